package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fuad-daoud/discord-bridge/platform"
)

const (
	DefaultCommandTimeout = 10 * time.Second
	MaxContentLength      = 2000
)

// Gateway is the part of platform.Connection the dispatcher drives.
type Gateway interface {
	Connect(ctx context.Context, credential string) (platform.BotIdentity, error)
	Disconnect(ctx context.Context) error
	Events() <-chan platform.Event
	State() platform.ConnectionState
	SendMessage(ctx context.Context, channelId, content string) (platform.Message, error)
	DeleteMessage(ctx context.Context, channelId, messageId string) error
}

// Cache receives every event the pump reads and the optimistic results of
// successful commands.
type Cache interface {
	Apply(ev platform.Event)
	Clear()
}

// Observer sees every event after it has been applied to the cache. Observe
// must not block.
type Observer interface {
	Observe(ev platform.Event)
}

type ObserverFunc func(ev platform.Event)

func (f ObserverFunc) Observe(ev platform.Event) {
	f(ev)
}

// Dispatcher serializes everything that mutates the remote side. Connect and
// Disconnect are exclusive with each other and with in-flight commands;
// commands on the same channel run in arrival order.
type Dispatcher struct {
	gateway   Gateway
	cache     Cache
	observers []Observer
	timeout   time.Duration
	logger    *slog.Logger

	lifecycle sync.RWMutex
	lanes     *lanes

	pumpMu   sync.Mutex
	pumpStop chan struct{}
	pumpDone chan struct{}
}

type Option func(*Dispatcher)

func WithCommandTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(dp *Dispatcher) {
		if o != nil {
			dp.observers = append(dp.observers, o)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if logger != nil {
			dp.logger = logger
		}
	}
}

func New(gateway Gateway, cache Cache, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gateway: gateway,
		cache:   cache,
		timeout: DefaultCommandTimeout,
		logger:  slog.Default(),
		lanes:   newLanes(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Connect opens a session unless one is already up, in which case it returns
// the current identity. A fresh session always starts from an empty cache.
func (d *Dispatcher) Connect(ctx context.Context, credential string) (platform.BotIdentity, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	switch state := d.gateway.State(); state {
	case platform.Connected:
		return d.gateway.Connect(ctx, credential)
	case platform.Connecting, platform.Reconnecting:
		return platform.BotIdentity{}, platform.NewTransient(fmt.Sprintf("connection is already %s", state), nil)
	}

	d.stopPump()
	d.cache.Clear()

	identity, err := d.gateway.Connect(ctx, credential)
	if platform.IsKind(err, platform.KindAuth) {
		return identity, err
	}
	events := d.gateway.Events()
	if err == nil {
		// Ready is already buffered; apply it before returning so the caller
		// can list guilds straight away.
		select {
		case ev, ok := <-events:
			if ok {
				d.apply(ev)
			}
		default:
		}
	}
	d.startPump(events)
	return identity, err
}

// Disconnect waits for in-flight commands, ends the session and clears the
// cache. It is idempotent. The pump is stopped before the cache is cleared,
// so no event of the old session lands after it.
func (d *Dispatcher) Disconnect(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	err := d.gateway.Disconnect(ctx)
	d.stopPump()
	d.cache.Clear()
	return err
}

// SendMessage posts content to a channel and inserts the result into the
// cache before returning.
func (d *Dispatcher) SendMessage(ctx context.Context, channelId, content string) (platform.Message, error) {
	if strings.TrimSpace(channelId) == "" {
		return platform.Message{}, platform.NewInvalid("channelId is required")
	}
	if strings.TrimSpace(content) == "" {
		return platform.Message{}, platform.NewInvalid("Message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return platform.Message{}, platform.NewInvalid(fmt.Sprintf("Message content must be %d characters or fewer", MaxContentLength))
	}

	var sent platform.Message
	err := d.submit(ctx, channelId, "send message", func(ctx context.Context) error {
		m, err := d.gateway.SendMessage(ctx, channelId, content)
		if err != nil {
			return err
		}
		sent = m
		return nil
	})
	if err != nil {
		return platform.Message{}, err
	}
	d.cache.Apply(platform.MessageCreate{Message: sent})
	return sent, nil
}

// DeleteMessage removes a message. A message that is already gone counts as
// deleted.
func (d *Dispatcher) DeleteMessage(ctx context.Context, channelId, messageId string) error {
	if strings.TrimSpace(channelId) == "" {
		return platform.NewInvalid("channelId is required")
	}
	if strings.TrimSpace(messageId) == "" {
		return platform.NewInvalid("messageId is required")
	}
	err := d.submit(ctx, channelId, "delete message", func(ctx context.Context) error {
		err := d.gateway.DeleteMessage(ctx, channelId, messageId)
		if platform.IsKind(err, platform.KindNotFound) {
			d.logger.Debug("Message already gone", "channel", channelId, "message", messageId)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	d.cache.Apply(platform.MessageDelete{ChannelId: channelId, MessageId: messageId})
	return nil
}

// submit runs call on the channel's lane under the shared lifecycle lock. The
// caller stops waiting when the command timeout expires; the call itself is
// cancelled through its context and the lane stays ordered.
func (d *Dispatcher) submit(ctx context.Context, channelId, op string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	prev, release := d.lanes.enter(channelId)
	result := make(chan error, 1)

	go func() {
		defer cancel()
		defer release()
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			result <- ctx.Err()
			return
		}
		d.lifecycle.RLock()
		defer d.lifecycle.RUnlock()
		if ctx.Err() != nil {
			result <- ctx.Err()
			return
		}
		if d.gateway.State() != platform.Connected {
			result <- platform.ErrNotConnected
			return
		}
		result <- call(ctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		// a call that finished as the deadline fired still counts
		select {
		case err = <-result:
		default:
			err = ctx.Err()
		}
	}
	if err == nil {
		return nil
	}
	var pErr *platform.Error
	if !errors.As(err, &pErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = platform.NewTransient(fmt.Sprintf("%s timed out", op), err)
		} else {
			err = platform.NewTransient(fmt.Sprintf("failed to %s", op), err)
		}
	}
	d.logger.Warn("Command failed", "op", op, "channel", channelId, "kind", platform.KindOf(err), "err", err)
	return err
}

func (d *Dispatcher) startPump(events <-chan platform.Event) {
	stop, done := make(chan struct{}), make(chan struct{})
	d.pumpMu.Lock()
	d.pumpStop, d.pumpDone = stop, done
	d.pumpMu.Unlock()
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-events:
				if !ok {
					d.logger.Debug("Event stream ended")
					return
				}
				d.apply(ev)
			}
		}
	}()
}

// stopPump ends the pump and waits for it. It only ever waits for one apply.
func (d *Dispatcher) stopPump() {
	d.pumpMu.Lock()
	stop, done := d.pumpStop, d.pumpDone
	d.pumpStop, d.pumpDone = nil, nil
	d.pumpMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (d *Dispatcher) apply(ev platform.Event) {
	d.cache.Apply(ev)
	for _, o := range d.observers {
		o.Observe(ev)
	}
}
