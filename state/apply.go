package state

import (
	"github.com/fuad-daoud/discord-bridge/platform"
)

// Apply folds one gateway event into the current snapshot. Events that
// reference a parent the cache does not hold are dropped.
func (c *Cache) Apply(ev platform.Event) {
	s := c.current.Load()
	switch e := ev.(type) {
	case platform.Ready:
		c.applyReady(s, e)
	case platform.GuildAdd:
		s.mu.Lock()
		if entry, ok := s.guilds[e.Guild.Id]; ok {
			entry.guild = e.Guild
		} else {
			s.guilds[e.Guild.Id] = newGuildEntry(e.Guild)
		}
		s.mu.Unlock()
	case platform.GuildRemove:
		s.mu.Lock()
		s.removeGuild(e.GuildId)
		s.mu.Unlock()
	case platform.ChannelAdd:
		c.putChannel(s, e.Channel)
	case platform.ChannelUpdate:
		c.putChannel(s, e.Channel)
	case platform.ChannelRemove:
		s.mu.Lock()
		s.removedChannel[e.ChannelId] = struct{}{}
		if entry, ok := s.guilds[e.GuildId]; ok {
			delete(entry.channels, e.ChannelId)
		}
		delete(s.channelGuild, e.ChannelId)
		s.dropWindow(e.ChannelId)
		s.mu.Unlock()
	case platform.MessageCreate:
		c.putMessage(s, e.Message)
	case platform.MessageUpdate:
		c.putMessage(s, e.Message)
	case platform.MessageDelete:
		if w := c.window(s, e.ChannelId); w != nil {
			w.mu.Lock()
			w.remove(e.MessageId, c.now(), c.tombstoneTTL)
			w.mu.Unlock()
		}
	case platform.MemberUpdate:
		s.mu.Lock()
		if entry, ok := s.guilds[e.Member.GuildId]; ok {
			delete(s.removedMember, memberKey(e.Member.GuildId, e.Member.Id))
			entry.members[e.Member.Id] = e.Member
		}
		s.mu.Unlock()
	case platform.MemberRemove:
		s.mu.Lock()
		if entry, ok := s.guilds[e.GuildId]; ok {
			s.removedMember[memberKey(e.GuildId, e.UserId)] = struct{}{}
			delete(entry.members, e.UserId)
		}
		s.mu.Unlock()
	default:
		c.logger.Warn("Ignoring unknown event", "type", platform.EventName(ev))
	}
}

// applyReady replaces the guild set. Guilds that survive keep what they had,
// but every loaded collection and message window is marked for a reload since
// events may have been missed while the gateway was down.
func (c *Cache) applyReady(s *snapshot, e platform.Ready) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]struct{}, len(e.Guilds))
	for _, g := range e.Guilds {
		keep[g.Id] = struct{}{}
		if entry, ok := s.guilds[g.Id]; ok {
			entry.guild = g
			entry.channelsStale = entry.channelsLoaded
			entry.membersStale = entry.membersLoaded
			continue
		}
		s.guilds[g.Id] = newGuildEntry(g)
	}
	for id := range s.guilds {
		if _, ok := keep[id]; !ok {
			s.removeGuild(id)
		}
	}
	s.windowsMu.Lock()
	for _, w := range s.windows {
		w.mu.Lock()
		w.invalidate()
		w.mu.Unlock()
	}
	s.windowsMu.Unlock()
	c.logger.Debug("Guild set replaced", "guilds", len(s.guilds))
}

func (c *Cache) putChannel(s *snapshot, ch platform.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.guilds[ch.GuildId]
	if !ok {
		return
	}
	if previous, ok := s.channelGuild[ch.Id]; ok && previous != ch.GuildId {
		return
	}
	delete(s.removedChannel, ch.Id)
	entry.channels[ch.Id] = ch
	s.channelGuild[ch.Id] = ch.GuildId
}

func (c *Cache) putMessage(s *snapshot, m platform.Message) {
	w := c.window(s, m.ChannelId)
	if w == nil {
		return
	}
	w.mu.Lock()
	w.put(m, c.now())
	w.mu.Unlock()
}

// removeGuild must be called with s.mu held.
func (s *snapshot) removeGuild(guildId string) {
	entry, ok := s.guilds[guildId]
	if !ok {
		return
	}
	for channelId := range entry.channels {
		delete(s.channelGuild, channelId)
		s.dropWindow(channelId)
	}
	delete(s.guilds, guildId)
}
