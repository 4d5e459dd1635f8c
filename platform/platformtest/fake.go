// Package platformtest provides an in-memory remote platform for tests.
package platformtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/fuad-daoud/discord-bridge/platform"
)

const Token = "test-token"

// Remote is the fake platform state shared by every session a Dialer opens.
type Remote struct {
	mu       sync.Mutex
	identity platform.BotIdentity
	guilds   []platform.Guild
	channels map[string][]platform.Channel
	messages map[string][]platform.Message
	members  map[string][]platform.Member
	clock    time.Time
	calls    map[string]int
}

func NewRemote() *Remote {
	return &Remote{
		identity: platform.BotIdentity{Id: "100", Username: "helper", Discriminator: "0", Tag: "helper"},
		channels: make(map[string][]platform.Channel),
		messages: make(map[string][]platform.Message),
		members:  make(map[string][]platform.Member),
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		calls:    make(map[string]int),
	}
}

// School seeds the remote with guild g1 "School" holding channel c1 "general".
func School() *Remote {
	r := NewRemote()
	r.AddGuild(platform.Guild{Id: "g1", Name: "School", MemberCount: 3})
	r.AddChannel(platform.Channel{Id: "c1", GuildId: "g1", Name: "general", Type: platform.ChannelTypeText})
	r.AddMember(platform.Member{Id: "200", GuildId: "g1", Username: "alice", DisplayName: "Alice"})
	return r
}

func (r *Remote) AddGuild(g platform.Guild) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guilds = append(r.guilds, g)
}

func (r *Remote) AddChannel(ch platform.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.GuildId] = append(r.channels[ch.GuildId], ch)
}

func (r *Remote) AddMember(m platform.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.GuildId] = append(r.members[m.GuildId], m)
}

// Post stores a message as if another user sent it.
func (r *Remote) Post(channelId, content string) platform.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.post(channelId, content, platform.Author{Id: "200", Tag: "alice"})
}

func (r *Remote) post(channelId, content string, author platform.Author) platform.Message {
	r.clock = r.clock.Add(time.Second)
	m := platform.Message{
		Id:          snowflake.New(r.clock).String(),
		ChannelId:   channelId,
		Author:      author,
		Content:     content,
		CreatedAt:   r.clock,
		Embeds:      []platform.Embed{},
		Attachments: []platform.Attachment{},
	}
	r.messages[channelId] = append(r.messages[channelId], m)
	return m
}

// StoredMessages returns what the remote holds for a channel, oldest first.
func (r *Remote) StoredMessages(channelId string) []platform.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]platform.Message(nil), r.messages[channelId]...)
}

// Calls counts REST calls by operation name.
func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *Remote) count(op string) {
	r.mu.Lock()
	r.calls[op]++
	r.mu.Unlock()
}

func (r *Remote) hasChannel(channelId string) bool {
	for _, channels := range r.channels {
		for _, ch := range channels {
			if ch.Id == channelId {
				return true
			}
		}
	}
	return false
}

// Dialer opens sessions against a Remote. Errors queued with FailNext are
// returned by the next dials in order.
type Dialer struct {
	Remote *Remote

	// SendHook runs before every send and delete; a non-nil error fails the call.
	SendHook func(ctx context.Context, op, channelId string) error

	mu       sync.Mutex
	failures []error
	sessions []*Session
	dials    int
}

func NewDialer(remote *Remote) *Dialer {
	return &Dialer{Remote: remote}
}

func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Sessions returns every session opened so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recent session or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *Dialer) Dial(ctx context.Context, credential string) (platform.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	if credential != Token {
		return nil, platform.NewAuth("Discord rejected the bot token", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{
		dialer: d,
		remote: d.Remote,
		events: make(chan platform.Event, 64),
		done:   make(chan struct{}),
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

type Session struct {
	dialer *Dialer
	remote *Remote
	events chan platform.Event

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
}

func (s *Session) Identity() platform.BotIdentity {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	return s.remote.identity
}

func (s *Session) Events() <-chan platform.Event {
	return s.events
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers an event as if the gateway sent it.
func (s *Session) Push(ev platform.Event) {
	s.events <- ev
}

// Drop simulates an unexpected transport loss.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Guilds(ctx context.Context) ([]platform.Guild, error) {
	s.remote.count("guilds")
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	return append([]platform.Guild(nil), s.remote.guilds...), nil
}

func (s *Session) Channels(ctx context.Context, guildId string) ([]platform.Channel, error) {
	s.remote.count("channels")
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	for _, g := range s.remote.guilds {
		if g.Id == guildId {
			return append([]platform.Channel(nil), s.remote.channels[guildId]...), nil
		}
	}
	return nil, platform.NewNotFound("guild", guildId)
}

func (s *Session) Messages(ctx context.Context, channelId string, limit int) ([]platform.Message, error) {
	s.remote.count("messages")
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if !s.remote.hasChannel(channelId) {
		return nil, platform.NewNotFound("channel", channelId)
	}
	messages := s.remote.messages[channelId]
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := append([]platform.Message(nil), messages...)
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	return out, nil
}

func (s *Session) Members(ctx context.Context, guildId string) ([]platform.Member, error) {
	s.remote.count("members")
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	return append([]platform.Member(nil), s.remote.members[guildId]...), nil
}

func (s *Session) SendMessage(ctx context.Context, channelId, content string) (platform.Message, error) {
	s.remote.count("send")
	if hook := s.dialer.SendHook; hook != nil {
		if err := hook(ctx, "send", channelId); err != nil {
			return platform.Message{}, err
		}
	}
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if !s.remote.hasChannel(channelId) {
		return platform.Message{}, platform.NewNotFound("channel", channelId)
	}
	id := s.remote.identity
	return s.remote.post(channelId, content, platform.Author{Id: id.Id, Tag: id.Tag, Bot: true}), nil
}

func (s *Session) DeleteMessage(ctx context.Context, channelId, messageId string) error {
	s.remote.count("delete")
	if hook := s.dialer.SendHook; hook != nil {
		if err := hook(ctx, "delete", channelId); err != nil {
			return err
		}
	}
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	messages := s.remote.messages[channelId]
	for i, m := range messages {
		if m.Id == messageId {
			s.remote.messages[channelId] = append(messages[:i], messages[i+1:]...)
			return nil
		}
	}
	return platform.NewNotFound("message", messageId)
}
