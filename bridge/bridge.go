package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fuad-daoud/discord-bridge/platform"
	"github.com/fuad-daoud/discord-bridge/state"
)

// Status is what the admin UI polls. Connected is always set.
type Status struct {
	Connected bool                  `json:"connected"`
	State     string                `json:"state"`
	Bot       *platform.BotIdentity `json:"bot,omitempty"`
	Stats     *Stats                `json:"stats,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type Stats struct {
	Guilds   int   `json:"guilds"`
	Users    int   `json:"users"`
	Channels int   `json:"channels"`
	Uptime   int64 `json:"uptime"`
}

// Result is the answer to every mutating request.
type Result struct {
	Success   bool                  `json:"success"`
	Error     string                `json:"error,omitempty"`
	MessageId string                `json:"messageId,omitempty"`
	Bot       *platform.BotIdentity `json:"bot,omitempty"`
}

// Connection reports the gateway lifecycle.
type Connection interface {
	State() platform.ConnectionState
	Identity() (platform.BotIdentity, bool)
	LastError() error
	Attempt() int
	ConnectedAt() time.Time
}

type Reader interface {
	ListGuilds() []platform.Guild
	ListChannels(ctx context.Context, guildId string) ([]platform.Channel, error)
	ListMessages(ctx context.Context, channelId string, limit int) ([]platform.Message, error)
	ListMembers(ctx context.Context, guildId string) ([]platform.Member, error)
	InvalidateChannels(guildId string)
	InvalidateMembers(guildId string)
	Stats() state.Stats
}

type Commands interface {
	Connect(ctx context.Context, credential string) (platform.BotIdentity, error)
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, channelId, content string) (platform.Message, error)
	DeleteMessage(ctx context.Context, channelId, messageId string) error
}

type Bridge struct {
	conn       Connection
	cache      Reader
	commands   Commands
	credential func() string
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// New builds the facade. credential is read on every Connect so a rotated
// token is picked up without a restart.
func New(conn Connection, cache Reader, commands Commands, credential func() string, opts ...Option) *Bridge {
	b := &Bridge{
		conn:       conn,
		cache:      cache,
		commands:   commands,
		credential: credential,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b
}

func (b *Bridge) BotInfo() Status {
	s := b.conn.State()
	status := Status{
		Connected: s == platform.Connected,
		State:     s.String(),
	}
	if identity, ok := b.conn.Identity(); ok {
		status.Bot = &identity
	}
	switch s {
	case platform.Connected:
		cached := b.cache.Stats()
		status.Stats = &Stats{
			Guilds:   cached.Guilds,
			Users:    cached.Users,
			Channels: cached.Channels,
		}
		if at := b.conn.ConnectedAt(); !at.IsZero() {
			status.Stats.Uptime = int64(b.now().Sub(at).Seconds())
		}
	case platform.Reconnecting:
		if attempt := b.conn.Attempt(); attempt > 0 {
			status.Error = fmt.Sprintf("Reconnecting to Discord (attempt %d)", attempt)
		} else {
			status.Error = "Reconnecting to Discord"
		}
	case platform.Failed:
		if err := b.conn.LastError(); err != nil {
			status.Error = ErrorMessage(err)
		} else {
			status.Error = "Connection to Discord failed"
		}
	}
	return status
}

func (b *Bridge) Connect(ctx context.Context) Result {
	identity, err := b.commands.Connect(ctx, b.credential())
	if err != nil {
		b.logger.Warn("Connect failed", "err", err)
		return failure(err)
	}
	return Result{Success: true, Bot: &identity}
}

func (b *Bridge) Disconnect(ctx context.Context) Result {
	if err := b.commands.Disconnect(ctx); err != nil {
		b.logger.Warn("Disconnect failed", "err", err)
		return failure(err)
	}
	return Result{Success: true}
}

// Guilds never blocks on the network.
func (b *Bridge) Guilds() []platform.Guild {
	return b.cache.ListGuilds()
}

func (b *Bridge) Channels(ctx context.Context, guildId string, refresh bool) ([]platform.Channel, error) {
	if strings.TrimSpace(guildId) == "" {
		return nil, platform.NewInvalid("guildId is required")
	}
	if refresh {
		b.cache.InvalidateChannels(guildId)
	}
	channels, err := b.cache.ListChannels(ctx, guildId)
	return channels, b.readErr(err)
}

func (b *Bridge) Messages(ctx context.Context, channelId string, limit int) ([]platform.Message, error) {
	if strings.TrimSpace(channelId) == "" {
		return nil, platform.NewInvalid("channelId is required")
	}
	messages, err := b.cache.ListMessages(ctx, channelId, limit)
	return messages, b.readErr(err)
}

func (b *Bridge) Members(ctx context.Context, guildId string, refresh bool) ([]platform.Member, error) {
	if strings.TrimSpace(guildId) == "" {
		return nil, platform.NewInvalid("guildId is required")
	}
	if refresh {
		b.cache.InvalidateMembers(guildId)
	}
	members, err := b.cache.ListMembers(ctx, guildId)
	return members, b.readErr(err)
}

func (b *Bridge) SendMessage(ctx context.Context, channelId, content string) Result {
	m, err := b.commands.SendMessage(ctx, channelId, content)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, MessageId: m.Id}
}

func (b *Bridge) DeleteMessage(ctx context.Context, channelId, messageId string) Result {
	if err := b.commands.DeleteMessage(ctx, channelId, messageId); err != nil {
		return failure(err)
	}
	return Result{Success: true}
}

// readErr reports a missing entity as a missing connection when nothing is
// connected, since an empty cache cannot tell the two apart.
func (b *Bridge) readErr(err error) error {
	if err == nil {
		return nil
	}
	if platform.IsKind(err, platform.KindNotFound) && b.conn.State() != platform.Connected && len(b.cache.ListGuilds()) == 0 {
		return platform.ErrNotConnected
	}
	return err
}

func failure(err error) Result {
	return Result{Success: false, Error: ErrorMessage(err)}
}

// ErrorMessage renders err the way the admin UI displays it.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return capitalize(platform.ErrorText(err))
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
