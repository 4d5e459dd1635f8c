package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	eventBuffer  = 256
	closeTimeout = 5 * time.Second
)

// generation is everything that belongs to one Connect call. A new Connect
// never reuses a generation, so a finished event stream stays finished.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
}

// Connection owns the one session to the remote platform.
type Connection struct {
	dialer         Dialer
	backoff        Backoff
	connectTimeout time.Duration
	logger         *slog.Logger

	state atomic.Int32

	mu          sync.Mutex
	gen         *generation
	session     Session
	identity    BotIdentity
	hasIdentity bool
	lastErr     error
	attempt     int
	connectedAt time.Time
}

type Option func(*Connection)

func WithBackoff(b Backoff) Option {
	return func(c *Connection) {
		c.backoff = b
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewConnection(dialer Dialer, opts ...Option) *Connection {
	c := &Connection{
		dialer:         dialer,
		backoff:        DefaultBackoff(),
		connectTimeout: 15 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "gateway")
	return c
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("Connection state changed", "from", old.String(), "to", s.String())
	}
}

func (c *Connection) transition(from, to ConnectionState) bool {
	if c.state.CompareAndSwap(int32(from), int32(to)) {
		c.logger.Debug("Connection state changed", "from", from.String(), "to", to.String())
		return true
	}
	return false
}

// Identity returns the bot identity of the current or last session.
func (c *Connection) Identity() (BotIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.hasIdentity
}

// LastError is the most recent connect or reconnect failure, nil after a
// successful connect.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attempt is the current reconnect attempt, 0 when not reconnecting.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Events returns the stream of the current Connect call. The first event of
// every session is Ready. The stream is closed by Disconnect or once
// reconnecting gives up.
func (c *Connection) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == nil {
		closed := make(chan Event)
		close(closed)
		return closed
	}
	return c.gen.events
}

func (c *Connection) Connect(ctx context.Context, credential string) (BotIdentity, error) {
	if !c.transition(Disconnected, Connecting) && !c.transition(Failed, Connecting) {
		state := c.State()
		if state == Connected {
			identity, _ := c.Identity()
			return identity, nil
		}
		return BotIdentity{}, NewTransient(fmt.Sprintf("connection is already %s", state), nil)
	}

	genCtx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		ctx:    genCtx,
		cancel: cancel,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.gen = gen
	c.lastErr = nil
	c.attempt = 0
	c.hasIdentity = false
	c.mu.Unlock()

	c.logger.Info("Connecting to Discord")
	dialCtx, dialCancel := context.WithTimeout(ctx, c.connectTimeout)
	session, ready, err := c.open(dialCtx, credential)
	dialCancel()

	if err == nil && gen.ctx.Err() != nil {
		c.closeSession(session)
		err = NewTransient("connect cancelled by disconnect", gen.ctx.Err())
		c.finish(gen)
		return BotIdentity{}, err
	}

	if err != nil {
		c.recordErr(err)
		if IsKind(err, KindAuth) {
			c.logger.Error("Discord rejected the credential", "err", err)
			c.setState(Failed)
			c.finish(gen)
			return BotIdentity{}, err
		}
		c.logger.Warn("Could not connect, retrying in background", "err", err)
		c.setState(Reconnecting)
		go c.run(credential, gen, nil)
		return BotIdentity{}, NewTransient("could not reach Discord, retrying in background", err)
	}

	if !c.adopt(gen, session, ready) {
		c.closeSession(session)
		c.finish(gen)
		return BotIdentity{}, NewTransient("connect cancelled by disconnect", nil)
	}
	gen.events <- ready
	if !c.transition(Connecting, Connected) {
		c.closeSession(session)
		c.finish(gen)
		return BotIdentity{}, NewTransient("connect cancelled by disconnect", nil)
	}
	c.logger.Info("Bot is up!", "username", ready.Identity.Username, "guilds", len(ready.Guilds))
	go c.run(credential, gen, session)
	return ready.Identity, nil
}

// Disconnect ends the session and the event stream. It is idempotent. The
// connection is Disconnected when it returns even if ctx ends before the old
// session finished closing; that session is then closed in the background.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.gen = nil
	c.mu.Unlock()

	if gen != nil {
		gen.cancel()
		select {
		case <-gen.done:
		case <-ctx.Done():
			c.logger.Warn("Gateway is still closing, leaving it in the background", "err", ctx.Err())
		}
	}

	c.mu.Lock()
	c.session = nil
	c.hasIdentity = false
	c.attempt = 0
	c.lastErr = nil
	c.connectedAt = time.Time{}
	c.mu.Unlock()
	if c.State() != Disconnected {
		c.logger.Info("Disconnected from Discord")
	}
	c.setState(Disconnected)
	return nil
}

func (c *Connection) rest() (Rest, error) {
	if c.State() != Connected {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, ErrNotConnected
	}
	return session, nil
}

func (c *Connection) Guilds(ctx context.Context) ([]Guild, error) {
	r, err := c.rest()
	if err != nil {
		return nil, err
	}
	return r.Guilds(ctx)
}

func (c *Connection) Channels(ctx context.Context, guildId string) ([]Channel, error) {
	r, err := c.rest()
	if err != nil {
		return nil, err
	}
	return r.Channels(ctx, guildId)
}

func (c *Connection) Messages(ctx context.Context, channelId string, limit int) ([]Message, error) {
	r, err := c.rest()
	if err != nil {
		return nil, err
	}
	return r.Messages(ctx, channelId, limit)
}

func (c *Connection) Members(ctx context.Context, guildId string) ([]Member, error) {
	r, err := c.rest()
	if err != nil {
		return nil, err
	}
	return r.Members(ctx, guildId)
}

func (c *Connection) SendMessage(ctx context.Context, channelId, content string) (Message, error) {
	r, err := c.rest()
	if err != nil {
		return Message{}, err
	}
	return r.SendMessage(ctx, channelId, content)
}

func (c *Connection) DeleteMessage(ctx context.Context, channelId, messageId string) error {
	r, err := c.rest()
	if err != nil {
		return err
	}
	return r.DeleteMessage(ctx, channelId, messageId)
}

func (c *Connection) open(ctx context.Context, credential string) (Session, Ready, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, Ready{}, NewAuth("Discord bot token is not configured", nil)
	}
	session, err := c.dialer.Dial(ctx, credential)
	if err != nil {
		return nil, Ready{}, classify(ctx, "open gateway", err)
	}
	guilds, err := session.Guilds(ctx)
	if err != nil {
		c.closeSession(session)
		return nil, Ready{}, classify(ctx, "fetch guilds", err)
	}
	return session, Ready{Identity: session.Identity(), Guilds: guilds}, nil
}

// adopt installs session unless gen was replaced or ended by Disconnect.
func (c *Connection) adopt(gen *generation, session Session, ready Ready) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || gen.ctx.Err() != nil {
		return false
	}
	c.session = session
	c.identity = ready.Identity
	c.hasIdentity = true
	c.lastErr = nil
	c.attempt = 0
	c.connectedAt = time.Now()
	return true
}

func (c *Connection) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Connection) finish(gen *generation) {
	close(gen.events)
	close(gen.done)
}

func (c *Connection) closeSession(session Session) {
	if session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		c.logger.Warn("Failed to close session", "err", err)
	}
}

// run forwards session events into the generation stream and reconnects on
// transport loss until the generation is cancelled or attempts run out.
func (c *Connection) run(credential string, gen *generation, session Session) {
	defer c.finish(gen)
	for {
		if session == nil {
			session = c.reconnect(credential, gen)
			if session == nil {
				return
			}
		}
		if !c.forward(gen, session) {
			c.closeSession(session)
			return
		}
		cause := session.Err()
		if cause == nil {
			cause = errors.New("gateway connection lost")
		}
		c.logger.Warn("Gateway connection lost", "err", cause)
		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.session = nil
			c.lastErr = NewTransient("gateway connection lost", cause)
		}
		c.mu.Unlock()
		c.closeSession(session)
		if !current {
			return
		}
		session = nil
		c.transition(Connected, Reconnecting)
	}
}

// forward returns true when the transport was lost and false when the
// generation was cancelled.
func (c *Connection) forward(gen *generation, session Session) bool {
	events := session.Events()
	for {
		select {
		case <-gen.ctx.Done():
			return false
		case <-session.Done():
			return c.drain(gen, events)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !c.emit(gen, ev) {
				return false
			}
		}
	}
}

// drain delivers events the session buffered before it went away.
func (c *Connection) drain(gen *generation, events <-chan Event) bool {
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if !c.emit(gen, ev) {
				return false
			}
		default:
			return true
		}
	}
	return true
}

func (c *Connection) emit(gen *generation, ev Event) bool {
	select {
	case gen.events <- ev:
		return true
	case <-gen.ctx.Done():
		return false
	}
}

func (c *Connection) reconnect(credential string, gen *generation) Session {
	maxAttempts := c.backoff.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.mu.Lock()
		c.attempt = attempt
		c.mu.Unlock()

		delay := c.backoff.Delay(attempt)
		c.logger.Info("Reconnecting", "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-gen.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(gen.ctx, c.connectTimeout)
		session, ready, err := c.open(ctx, credential)
		cancel()
		if gen.ctx.Err() != nil {
			c.closeSession(session)
			return nil
		}
		if err == nil {
			if !c.adopt(gen, session, ready) || !c.emit(gen, ready) || !c.transition(Reconnecting, Connected) {
				c.closeSession(session)
				return nil
			}
			c.logger.Info("Reconnected", "attempt", attempt, "username", ready.Identity.Username)
			return session
		}

		c.recordErr(err)
		if IsKind(err, KindAuth) {
			c.logger.Error("Discord rejected the credential while reconnecting", "err", err)
			break
		}
		c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "err", err)
	}
	if gen.ctx.Err() == nil && c.transition(Reconnecting, Failed) {
		c.logger.Error("Giving up on the gateway connection", "err", c.LastError())
	}
	return nil
}

func classify(ctx context.Context, op string, err error) error {
	var pErr *Error
	if errors.As(err, &pErr) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return NewTransient("timed out trying to "+op, err)
	}
	return NewTransient("failed to "+op, err)
}
