package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fuad-daoud/discord-bridge/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	channels map[string][]platform.Channel
	messages map[string][]platform.Message
	members  map[string][]platform.Member
	calls    map[string]int
	err      error

	// when set, Messages signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		channels: make(map[string][]platform.Channel),
		messages: make(map[string][]platform.Message),
		members:  make(map[string][]platform.Member),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeFetcher) Channels(ctx context.Context, guildId string) ([]platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["channels/"+guildId]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]platform.Channel(nil), f.channels[guildId]...), nil
}

func (f *fakeFetcher) Messages(ctx context.Context, channelId string, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	f.calls["messages/"+channelId]++
	out := append([]platform.Message(nil), f.messages[channelId]...)
	started, release, err := f.started, f.release, f.err
	f.mu.Unlock()
	if started != nil {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeFetcher) Members(ctx context.Context, guildId string) ([]platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["members/"+guildId]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]platform.Member(nil), f.members[guildId]...), nil
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func message(channelId string, n int) platform.Message {
	return platform.Message{
		Id:        fmt.Sprint(1000 + n),
		ChannelId: channelId,
		Author:    platform.Author{Id: "u1", Tag: "alice"},
		Content:   fmt.Sprintf("message %d", n),
		CreatedAt: epoch.Add(time.Duration(n) * time.Second),
	}
}

func school() platform.Guild {
	return platform.Guild{Id: "g1", Name: "School", MemberCount: 12}
}

func general() platform.Channel {
	return platform.Channel{Id: "c1", GuildId: "g1", Name: "general", Type: platform.ChannelTypeText}
}

func ids(messages []platform.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Id)
	}
	return out
}

// contents reads the snapshot without triggering any fetch.
func contents(c *Cache) map[string][]string {
	s := c.current.Load()
	s.mu.RLock()
	out := make(map[string][]string)
	for id, entry := range s.guilds {
		out["guild/"+id] = []string{entry.guild.Name}
		for chId, ch := range entry.channels {
			out["channel/"+chId] = []string{ch.Name}
		}
		for mId, m := range entry.members {
			out["member/"+id+"/"+mId] = []string{m.DisplayName}
		}
	}
	s.mu.RUnlock()
	s.windowsMu.Lock()
	for chId, w := range s.windows {
		w.mu.Lock()
		out["window/"+chId] = ids(w.messages)
		w.mu.Unlock()
	}
	s.windowsMu.Unlock()
	return out
}

func TestApply(t *testing.T) {
	events := []platform.Event{
		platform.Ready{Guilds: []platform.Guild{school(), {Id: "g2", Name: "Staff"}}},
		platform.ChannelAdd{Channel: general()},
		platform.ChannelAdd{Channel: platform.Channel{Id: "c2", GuildId: "g2", Name: "staff-room"}},
		platform.ChannelAdd{Channel: platform.Channel{Id: "c9", GuildId: "missing", Name: "orphan"}},
		platform.MessageCreate{Message: message("c1", 1)},
		platform.MessageCreate{Message: message("c1", 2)},
		platform.MessageCreate{Message: message("c2", 3)},
		platform.MessageCreate{Message: message("c9", 4)},
		platform.MessageDelete{ChannelId: "c1", MessageId: message("c1", 1).Id},
		platform.MemberUpdate{Member: platform.Member{Id: "u1", GuildId: "g1", DisplayName: "Alice"}},
		platform.MemberUpdate{Member: platform.Member{Id: "u2", GuildId: "g1", DisplayName: "Bob"}},
		platform.MemberRemove{GuildId: "g1", UserId: "u2"},
		platform.ChannelUpdate{Channel: platform.Channel{Id: "c1", GuildId: "g1", Name: "lobby"}},
		platform.GuildRemove{GuildId: "g2"},
		platform.GuildAdd{Guild: platform.Guild{Id: "g3", Name: "Parents"}},
	}

	t.Run("replaying the same events gives the same state", func(t *testing.T) {
		first := New(newFakeFetcher())
		second := New(newFakeFetcher())
		for _, ev := range events {
			first.Apply(ev)
		}
		for _, ev := range events {
			second.Apply(ev)
		}
		assert.Equal(t, contents(first), contents(second))
		assert.Equal(t, map[string][]string{
			"guild/g1":     {"School"},
			"guild/g3":     {"Parents"},
			"channel/c1":   {"lobby"},
			"member/g1/u1": {"Alice"},
			"window/c1":    {message("c1", 2).Id},
		}, contents(first))
	})

	t.Run("ready replaces the guild set", func(t *testing.T) {
		c := New(newFakeFetcher())
		for _, ev := range events {
			c.Apply(ev)
		}
		c.Apply(platform.Ready{Guilds: []platform.Guild{{Id: "g1", Name: "School v2"}}})

		guilds := c.ListGuilds()
		require.Len(t, guilds, 1)
		assert.Equal(t, "School v2", guilds[0].Name)
		assert.Contains(t, contents(c), "channel/c1", "surviving guilds keep their channels")
	})

	t.Run("newer copy wins regardless of order", func(t *testing.T) {
		original := message("c1", 1)
		edited := original
		editedAt := epoch.Add(time.Hour)
		edited.EditedAt = &editedAt
		edited.Content = "edited"

		for _, order := range [][]platform.Message{{original, edited}, {edited, original}} {
			c := New(newFakeFetcher())
			c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
			c.Apply(platform.ChannelAdd{Channel: general()})
			for _, m := range order {
				c.Apply(platform.MessageUpdate{Message: m})
			}
			s := c.current.Load()
			w := s.windows["c1"]
			require.NotNil(t, w)
			require.Len(t, w.messages, 1)
			assert.Equal(t, "edited", w.messages[0].Content)
		}
	})

	t.Run("echo of an inserted message is not a duplicate", func(t *testing.T) {
		c := New(newFakeFetcher())
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		c.Apply(platform.ChannelAdd{Channel: general()})
		c.Apply(platform.MessageCreate{Message: message("c1", 1)})
		c.Apply(platform.MessageCreate{Message: message("c1", 1)})
		assert.Equal(t, []string{message("c1", 1).Id}, contents(c)["window/c1"])
	})
}

func TestWindowCap(t *testing.T) {
	c := New(newFakeFetcher(), WithWindowSize(50))
	c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
	c.Apply(platform.ChannelAdd{Channel: general()})

	for i := 1; i <= 50; i++ {
		c.Apply(platform.MessageCreate{Message: message("c1", i)})
	}
	window := contents(c)["window/c1"]
	require.Len(t, window, 50)
	assert.Equal(t, message("c1", 1).Id, window[0])

	c.Apply(platform.MessageCreate{Message: message("c1", 51)})
	window = contents(c)["window/c1"]
	require.Len(t, window, 50)
	assert.Equal(t, message("c1", 2).Id, window[0], "exactly the oldest entry is evicted")
	assert.Equal(t, message("c1", 51).Id, window[49])

	for i := 52; i <= 120; i++ {
		c.Apply(platform.MessageCreate{Message: message("c1", i)})
		assert.LessOrEqual(t, len(contents(c)["window/c1"]), 50)
	}
}

func TestListMessages(t *testing.T) {
	setup := func(fetcher *fakeFetcher, opts ...Option) *Cache {
		fetcher.channels["g1"] = []platform.Channel{general()}
		c := New(fetcher, opts...)
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		return c
	}

	t.Run("seeds the window once and returns newest first", func(t *testing.T) {
		fetcher := newFakeFetcher()
		for i := 1; i <= 5; i++ {
			fetcher.messages["c1"] = append(fetcher.messages["c1"], message("c1", i))
		}
		c := setup(fetcher)

		messages, err := c.ListMessages(context.Background(), "c1", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"1005", "1004", "1003"}, ids(messages))

		_, err = c.ListMessages(context.Background(), "c1", 3)
		require.NoError(t, err)
		assert.Equal(t, 1, fetcher.count("messages/c1"))
		assert.Equal(t, 1, fetcher.count("channels/g1"), "unknown channel resolves through its guild")

		messages, err = c.ListMessages(context.Background(), "c1", 50)
		require.NoError(t, err)
		assert.Len(t, messages, 5)
		assert.Equal(t, 2, fetcher.count("messages/c1"), "deeper read refetches")
	})

	t.Run("unknown channel", func(t *testing.T) {
		c := setup(newFakeFetcher())
		_, err := c.ListMessages(context.Background(), "nope", 10)
		assert.True(t, platform.IsKind(err, platform.KindNotFound))
	})

	t.Run("delete during an in-flight fetch is not undone", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.messages["c1"] = []platform.Message{message("c1", 1), message("c1", 2)}
		c := setup(fetcher)
		_, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)

		fetcher.mu.Lock()
		fetcher.started = make(chan struct{})
		fetcher.release = make(chan struct{})
		started, release := fetcher.started, fetcher.release
		fetcher.mu.Unlock()

		type result struct {
			messages []platform.Message
			err      error
		}
		done := make(chan result, 1)
		go func() {
			messages, err := c.ListMessages(context.Background(), "c1", 50)
			done <- result{messages, err}
		}()

		<-started
		c.Apply(platform.MessageDelete{ChannelId: "c1", MessageId: "1002"})
		close(release)

		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, []string{"1001"}, ids(res.messages))

		messages, err := c.ListMessages(context.Background(), "c1", 50)
		require.NoError(t, err)
		assert.NotContains(t, ids(messages), "1002")
	})

	t.Run("tombstones expire", func(t *testing.T) {
		now := epoch
		fetcher := newFakeFetcher()
		c := setup(fetcher, WithClock(func() time.Time { return now }), WithTombstoneTTL(time.Minute))
		_, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)

		c.Apply(platform.MessageDelete{ChannelId: "c1", MessageId: message("c1", 1).Id})
		c.Apply(platform.MessageCreate{Message: message("c1", 1)})
		assert.Empty(t, contents(c)["window/c1"])

		now = now.Add(2 * time.Minute)
		c.Apply(platform.MessageCreate{Message: message("c1", 1)})
		assert.Equal(t, []string{"1001"}, contents(c)["window/c1"])
	})

	t.Run("fetch timeout is transient", func(t *testing.T) {
		fetcher := newFakeFetcher()
		c := setup(fetcher, WithFetchTimeout(20*time.Millisecond))
		_, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)

		fetcher.mu.Lock()
		fetcher.started = make(chan struct{})
		fetcher.release = make(chan struct{})
		fetcher.mu.Unlock()

		_, err = c.ListMessages(context.Background(), "c1", 10)
		require.Error(t, err)
		assert.Equal(t, platform.KindTransient, platform.KindOf(err))
	})

	t.Run("caller giving up is transient", func(t *testing.T) {
		fetcher := newFakeFetcher()
		c := setup(fetcher)
		_, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)

		fetcher.mu.Lock()
		fetcher.started = make(chan struct{})
		fetcher.release = make(chan struct{})
		release := fetcher.release
		fetcher.mu.Unlock()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = c.ListMessages(ctx, "c1", 10)
		assert.True(t, platform.IsKind(err, platform.KindTransient))
	})
}

func TestListChannels(t *testing.T) {
	t.Run("loads once for concurrent callers", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.channels["g1"] = []platform.Channel{
			{Id: "c2", GuildId: "g1", Name: "homework", Position: 2},
			{Id: "c1", GuildId: "g1", Name: "general", Position: 1},
		}
		c := New(fetcher)
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				channels, err := c.ListChannels(context.Background(), "g1")
				assert.NoError(t, err)
				assert.Len(t, channels, 2)
			}()
		}
		wg.Wait()

		channels, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)
		assert.Equal(t, "c1", channels[0].Id)
		assert.LessOrEqual(t, fetcher.count("channels/g1"), 8)
		assert.Equal(t, 2, c.Stats().Channels)
	})

	t.Run("unknown guild", func(t *testing.T) {
		c := New(newFakeFetcher())
		_, err := c.ListChannels(context.Background(), "g404")
		assert.True(t, platform.IsKind(err, platform.KindNotFound))
	})

	t.Run("remote failure keeps its kind", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.err = platform.NewForbidden("missing access", nil)
		c := New(fetcher)
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		_, err := c.ListChannels(context.Background(), "g1")
		assert.Equal(t, platform.KindForbidden, platform.KindOf(err))

		fetcher.mu.Lock()
		fetcher.err = errors.New("connection reset")
		fetcher.mu.Unlock()
		_, err = c.ListChannels(context.Background(), "g1")
		assert.Equal(t, platform.KindTransient, platform.KindOf(err))
	})

	t.Run("refresh replaces the cached set", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.channels["g1"] = []platform.Channel{general(), {Id: "c2", GuildId: "g1", Name: "old"}}
		c := New(fetcher)
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		_, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)

		fetcher.mu.Lock()
		fetcher.channels["g1"] = []platform.Channel{general()}
		fetcher.mu.Unlock()

		c.InvalidateChannels("g1")
		channels, err := c.ListChannels(context.Background(), "g1")
		require.NoError(t, err)
		require.Len(t, channels, 1)
		assert.Equal(t, "c1", channels[0].Id)
		assert.Equal(t, 2, fetcher.count("channels/g1"))
	})
}

func TestListMembers(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.members["g1"] = []platform.Member{
		{Id: "u2", DisplayName: "bob"},
		{Id: "u1", DisplayName: "Alice"},
	}
	c := New(fetcher)
	c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})

	members, err := c.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].Id)
	assert.Equal(t, "g1", members[1].GuildId)

	c.Apply(platform.MemberRemove{GuildId: "g1", UserId: "u2"})
	c.InvalidateAllMembers()
	members, err = c.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, members, 1, "a removed member stays removed after reload")

	_, err = c.ListMembers(context.Background(), "g404")
	assert.True(t, platform.IsKind(err, platform.KindNotFound))
}

func TestClear(t *testing.T) {
	fetcher := newFakeFetcher()
	c := New(fetcher)
	c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
	c.Apply(platform.ChannelAdd{Channel: general()})
	c.Apply(platform.MessageCreate{Message: message("c1", 1)})
	require.Len(t, c.ListGuilds(), 1)
	assert.Equal(t, Stats{Guilds: 1, Users: 12, Channels: 1}, c.Stats())

	c.Clear()
	assert.Empty(t, c.ListGuilds())
	assert.Empty(t, contents(c))
	assert.Equal(t, Stats{}, c.Stats())

	t.Run("readers see all or nothing", func(t *testing.T) {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c.Apply(platform.Ready{Guilds: []platform.Guild{school(), {Id: "g2", Name: "Staff"}}})
				c.Clear()
			}
		}()
		for i := 0; i < 1000; i++ {
			n := len(c.ListGuilds())
			assert.True(t, n == 0 || n == 2, "saw %d guilds", n)
		}
		close(stop)
		wg.Wait()
	})
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	setup := func(fetcher *fakeFetcher) *Cache {
		fetcher.channels["g1"] = []platform.Channel{general()}
		fetcher.messages["c1"] = []platform.Message{message("c1", 1), message("c1", 2), message("c1", 3)}
		c := New(fetcher)
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		messages, err := c.ListMessages(ctx, "c1", 50)
		require.NoError(t, err)
		require.Equal(t, []string{"1003", "1002", "1001"}, ids(messages))
		return c
	}

	t.Run("messages missed while down are fetched after ready", func(t *testing.T) {
		fetcher := newFakeFetcher()
		c := setup(fetcher)

		// while the gateway is down 1002 is deleted and 1004 is posted
		fetcher.mu.Lock()
		fetcher.messages["c1"] = []platform.Message{message("c1", 1), message("c1", 3), message("c1", 4)}
		fetcher.mu.Unlock()

		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		messages, err := c.ListMessages(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"1004", "1003", "1001"}, ids(messages))
		assert.Equal(t, 2, fetcher.count("messages/c1"))

		_, err = c.ListMessages(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Equal(t, 2, fetcher.count("messages/c1"), "one refetch per resync")
	})

	t.Run("live messages after ready survive the refetch", func(t *testing.T) {
		fetcher := newFakeFetcher()
		c := setup(fetcher)

		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		c.Apply(platform.MessageCreate{Message: message("c1", 5)})
		messages, err := c.ListMessages(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"1005", "1003", "1002", "1001"}, ids(messages))
	})

	t.Run("older messages beyond a full fetch are kept", func(t *testing.T) {
		fetcher := newFakeFetcher()
		c := setup(fetcher)

		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		messages, err := c.ListMessages(ctx, "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"1003", "1002"}, ids(messages))
		assert.Equal(t, []string{"1001", "1002", "1003"}, contents(c)["window/c1"])
	})

	t.Run("channels and members reload after ready", func(t *testing.T) {
		fetcher := newFakeFetcher()
		c := setup(fetcher)
		fetcher.mu.Lock()
		fetcher.members["g1"] = []platform.Member{{Id: "u1", DisplayName: "Alice"}}
		fetcher.mu.Unlock()
		_, err := c.ListChannels(ctx, "g1")
		require.NoError(t, err)
		_, err = c.ListMembers(ctx, "g1")
		require.NoError(t, err)

		fetcher.mu.Lock()
		fetcher.channels["g1"] = []platform.Channel{general(), {Id: "c2", GuildId: "g1", Name: "announcements"}}
		fetcher.members["g1"] = append(fetcher.members["g1"], platform.Member{Id: "u2", DisplayName: "Bob"})
		fetcher.mu.Unlock()

		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		channels, err := c.ListChannels(ctx, "g1")
		require.NoError(t, err)
		assert.Len(t, channels, 2)
		members, err := c.ListMembers(ctx, "g1")
		require.NoError(t, err)
		assert.Len(t, members, 2)
		assert.Equal(t, 2, fetcher.count("channels/g1"))
		assert.Equal(t, 2, fetcher.count("members/g1"))
		assert.Equal(t, []string{"1001", "1002", "1003"}, contents(c)["window/c1"], "surviving channels keep their window")
	})

	t.Run("fetch started before ready does not count as fresh", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.channels["g1"] = []platform.Channel{general()}
		fetcher.messages["c1"] = []platform.Message{message("c1", 1)}
		c := New(fetcher)
		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		_, err := c.ListChannels(ctx, "g1")
		require.NoError(t, err)

		fetcher.mu.Lock()
		fetcher.started = make(chan struct{})
		fetcher.release = make(chan struct{})
		started, release := fetcher.started, fetcher.release
		fetcher.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			_, err := c.ListMessages(ctx, "c1", 50)
			done <- err
		}()
		<-started
		fetcher.mu.Lock()
		fetcher.started, fetcher.release = nil, nil
		fetcher.messages["c1"] = append(fetcher.messages["c1"], message("c1", 2))
		fetcher.mu.Unlock()

		c.Apply(platform.Ready{Guilds: []platform.Guild{school()}})
		close(release)
		require.NoError(t, <-done)

		messages, err := c.ListMessages(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"1002", "1001"}, ids(messages))
		assert.Equal(t, 2, fetcher.count("messages/c1"))
	})
}
