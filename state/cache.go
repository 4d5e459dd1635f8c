package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fuad-daoud/discord-bridge/platform"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWindowSize   = 50
	DefaultFetchTimeout = 10 * time.Second
	DefaultTombstoneTTL = 10 * time.Minute
)

// Fetcher loads cold data from the remote side.
type Fetcher interface {
	Channels(ctx context.Context, guildId string) ([]platform.Channel, error)
	Messages(ctx context.Context, channelId string, limit int) ([]platform.Message, error)
	Members(ctx context.Context, guildId string) ([]platform.Member, error)
}

type Stats struct {
	Guilds   int `json:"guilds"`
	Users    int `json:"users"`
	Channels int `json:"channels"`
}

type guildEntry struct {
	guild platform.Guild

	channels       map[string]platform.Channel
	channelsLoaded bool
	channelsStale  bool

	members       map[string]platform.Member
	membersLoaded bool
	membersStale  bool
}

func newGuildEntry(g platform.Guild) *guildEntry {
	return &guildEntry{
		guild:    g,
		channels: make(map[string]platform.Channel),
		members:  make(map[string]platform.Member),
	}
}

// snapshot holds everything between one Clear and the next. Clear swaps in a
// fresh snapshot, so a reader works on either the old one or the new one.
type snapshot struct {
	generation uint64

	mu             sync.RWMutex
	guilds         map[string]*guildEntry
	channelGuild   map[string]string
	removedChannel map[string]struct{}
	removedMember  map[string]struct{}

	windowsMu sync.Mutex
	windows   map[string]*window
}

func newSnapshot(generation uint64) *snapshot {
	return &snapshot{
		generation:     generation,
		guilds:         make(map[string]*guildEntry),
		channelGuild:   make(map[string]string),
		removedChannel: make(map[string]struct{}),
		removedMember:  make(map[string]struct{}),
		windows:        make(map[string]*window),
	}
}

// Cache mirrors guilds, channels, members and recent messages. Apply is meant
// to be called from a single goroutine; every other method is safe for
// concurrent use.
type Cache struct {
	fetcher      Fetcher
	windowSize   int
	fetchTimeout time.Duration
	tombstoneTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger

	current     atomic.Pointer[snapshot]
	generations atomic.Uint64
	group       singleflight.Group
}

type Option func(*Cache)

func WithWindowSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.windowSize = n
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithTombstoneTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.tombstoneTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		windowSize:   DefaultWindowSize,
		fetchTimeout: DefaultFetchTimeout,
		tombstoneTTL: DefaultTombstoneTTL,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	c.current.Store(newSnapshot(0))
	return c
}

func (c *Cache) WindowSize() int {
	return c.windowSize
}

// Clear drops every collection at once.
func (c *Cache) Clear() {
	c.current.Store(newSnapshot(c.generations.Add(1)))
	c.logger.Debug("Cache cleared")
}

func (c *Cache) ListGuilds() []platform.Guild {
	s := c.current.Load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	guilds := make([]platform.Guild, 0, len(s.guilds))
	for _, entry := range s.guilds {
		guilds = append(guilds, entry.guild)
	}
	sort.Slice(guilds, func(i, j int) bool {
		if guilds[i].Name != guilds[j].Name {
			return strings.ToLower(guilds[i].Name) < strings.ToLower(guilds[j].Name)
		}
		return guilds[i].Id < guilds[j].Id
	})
	return guilds
}

func (c *Cache) Guild(guildId string) (platform.Guild, bool) {
	s := c.current.Load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.guilds[guildId]
	if !ok {
		return platform.Guild{}, false
	}
	return entry.guild, true
}

func (c *Cache) Stats() Stats {
	s := c.current.Load()
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Guilds: len(s.guilds)}
	for _, entry := range s.guilds {
		stats.Users += entry.guild.MemberCount
		stats.Channels += len(entry.channels)
	}
	return stats
}

// ListChannels returns the channels of a guild, loading them on first use.
func (c *Cache) ListChannels(ctx context.Context, guildId string) ([]platform.Channel, error) {
	s := c.current.Load()
	if err := c.ensureChannels(ctx, s, guildId); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.guilds[guildId]
	if !ok {
		return nil, platform.NewNotFound("guild", guildId)
	}
	channels := make([]platform.Channel, 0, len(entry.channels))
	for _, ch := range entry.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Position != channels[j].Position {
			return channels[i].Position < channels[j].Position
		}
		return channels[i].Id < channels[j].Id
	})
	return channels, nil
}

// ListMembers returns the members of a guild, loading them on first use.
func (c *Cache) ListMembers(ctx context.Context, guildId string) ([]platform.Member, error) {
	s := c.current.Load()
	if err := c.ensureMembers(ctx, s, guildId); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.guilds[guildId]
	if !ok {
		return nil, platform.NewNotFound("guild", guildId)
	}
	members := make([]platform.Member, 0, len(entry.members))
	for _, m := range entry.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := strings.ToLower(members[i].DisplayName), strings.ToLower(members[j].DisplayName)
		if a != b {
			return a < b
		}
		return members[i].Id < members[j].Id
	})
	return members, nil
}

// ListMessages returns up to limit messages of a channel, newest first. The
// window is fetched when it was never seeded or when a deeper read than the
// last seed is asked for.
func (c *Cache) ListMessages(ctx context.Context, channelId string, limit int) ([]platform.Message, error) {
	if limit <= 0 || limit > c.windowSize {
		limit = c.windowSize
	}
	s := c.current.Load()
	if _, err := c.resolveChannel(ctx, s, channelId); err != nil {
		return nil, err
	}
	w := c.window(s, channelId)
	if w == nil {
		return nil, platform.NewNotFound("channel", channelId)
	}

	w.mu.Lock()
	needsFetch, epoch := w.needsFetch(limit), w.epoch
	w.mu.Unlock()

	if needsFetch {
		key := fmt.Sprintf("%d/messages/%s/%d/%d", s.generation, channelId, epoch, limit)
		err := c.load(ctx, key, "messages", func(fetchCtx context.Context) error {
			messages, err := c.fetcher.Messages(fetchCtx, channelId, limit)
			if err != nil {
				return err
			}
			w.mu.Lock()
			w.merge(messages, limit, c.now(), epoch)
			w.mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.newest(limit), nil
}

// InvalidateChannels makes the next ListChannels reload the guild's channels
// from the remote side and replace the cached set.
func (c *Cache) InvalidateChannels(guildId string) {
	s := c.current.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.guilds[guildId]; ok {
		entry.channelsStale = true
	}
}

func (c *Cache) InvalidateMembers(guildId string) {
	s := c.current.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.guilds[guildId]; ok {
		entry.membersStale = true
	}
}

// InvalidateAllMembers marks every loaded member list stale.
func (c *Cache) InvalidateAllMembers() {
	s := c.current.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.guilds {
		if entry.membersLoaded {
			entry.membersStale = true
		}
	}
}

func (c *Cache) ensureChannels(ctx context.Context, s *snapshot, guildId string) error {
	s.mu.RLock()
	entry, ok := s.guilds[guildId]
	var loaded, stale bool
	if ok {
		loaded, stale = entry.channelsLoaded, entry.channelsStale
	}
	s.mu.RUnlock()
	if !ok {
		return platform.NewNotFound("guild", guildId)
	}
	if loaded && !stale {
		return nil
	}
	key := fmt.Sprintf("%d/channels/%s", s.generation, guildId)
	err := c.load(ctx, key, "channels", func(fetchCtx context.Context) error {
		channels, err := c.fetcher.Channels(fetchCtx, guildId)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.guilds[guildId]
		if !ok {
			return platform.NewNotFound("guild", guildId)
		}
		if entry.channelsStale {
			surviving := make(map[string]struct{}, len(channels))
			for _, ch := range channels {
				surviving[ch.Id] = struct{}{}
			}
			for id := range entry.channels {
				if _, ok := surviving[id]; ok {
					continue
				}
				delete(s.channelGuild, id)
				s.dropWindow(id)
			}
			entry.channels = make(map[string]platform.Channel)
		}
		for _, ch := range channels {
			if _, removed := s.removedChannel[ch.Id]; removed {
				continue
			}
			ch.GuildId = guildId
			entry.channels[ch.Id] = ch
			s.channelGuild[ch.Id] = guildId
		}
		entry.channelsLoaded = true
		entry.channelsStale = false
		return nil
	})
	return err
}

func (c *Cache) ensureMembers(ctx context.Context, s *snapshot, guildId string) error {
	s.mu.RLock()
	entry, ok := s.guilds[guildId]
	var loaded, stale bool
	if ok {
		loaded, stale = entry.membersLoaded, entry.membersStale
	}
	s.mu.RUnlock()
	if !ok {
		return platform.NewNotFound("guild", guildId)
	}
	if loaded && !stale {
		return nil
	}
	key := fmt.Sprintf("%d/members/%s", s.generation, guildId)
	err := c.load(ctx, key, "members", func(fetchCtx context.Context) error {
		members, err := c.fetcher.Members(fetchCtx, guildId)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.guilds[guildId]
		if !ok {
			return platform.NewNotFound("guild", guildId)
		}
		if entry.membersStale {
			entry.members = make(map[string]platform.Member)
		}
		for _, m := range members {
			if _, removed := s.removedMember[memberKey(guildId, m.Id)]; removed {
				continue
			}
			m.GuildId = guildId
			entry.members[m.Id] = m
		}
		entry.membersLoaded = true
		entry.membersStale = false
		return nil
	})
	return err
}

// resolveChannel finds the guild of a channel, loading the channel lists of
// guilds that were never loaded when the channel is not indexed yet.
func (c *Cache) resolveChannel(ctx context.Context, s *snapshot, channelId string) (string, error) {
	if guildId, ok := s.guildOf(channelId); ok {
		return guildId, nil
	}
	s.mu.RLock()
	var pending []string
	for id, entry := range s.guilds {
		if !entry.channelsLoaded {
			pending = append(pending, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(pending)
	for _, guildId := range pending {
		err := c.ensureChannels(ctx, s, guildId)
		if err != nil && !platform.IsKind(err, platform.KindNotFound) {
			return "", err
		}
		if guildId, ok := s.guildOf(channelId); ok {
			return guildId, nil
		}
	}
	return "", platform.NewNotFound("channel", channelId)
}

// load runs fetch once per key on a context detached from the caller and
// bounded by the fetch timeout. A caller that gives up early gets a transient
// error; the fetch still lands in the snapshot it was started for.
func (c *Cache) load(ctx context.Context, key, what string, fetch func(context.Context) error) error {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()
		started := time.Now()
		err := fetch(fetchCtx)
		if err != nil {
			c.logger.Warn("Fetch failed", "what", what, "key", key, "err", err)
			if fetchCtx.Err() != nil {
				return nil, platform.NewTransient(fmt.Sprintf("timed out loading %s", what), err)
			}
			var pErr *platform.Error
			if !errors.As(err, &pErr) {
				return nil, platform.NewTransient(fmt.Sprintf("failed to load %s", what), err)
			}
			return nil, err
		}
		c.logger.Debug("Fetched", "what", what, "key", key, "took", time.Since(started))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return platform.NewTransient(fmt.Sprintf("timed out loading %s", what), ctx.Err())
	}
}

func (c *Cache) window(s *snapshot, channelId string) *window {
	if _, ok := s.guildOf(channelId); !ok {
		return nil
	}
	s.windowsMu.Lock()
	defer s.windowsMu.Unlock()
	w, ok := s.windows[channelId]
	if !ok {
		w = newWindow(c.windowSize)
		s.windows[channelId] = w
	}
	return w
}

func (s *snapshot) guildOf(channelId string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	guildId, ok := s.channelGuild[channelId]
	return guildId, ok
}

// dropWindow must be called with s.mu held.
func (s *snapshot) dropWindow(channelId string) {
	s.windowsMu.Lock()
	delete(s.windows, channelId)
	s.windowsMu.Unlock()
}

func memberKey(guildId, userId string) string {
	return guildId + "/" + userId
}
