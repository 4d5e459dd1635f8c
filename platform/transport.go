package platform

import (
	"context"
	"math"
	"time"
)

// Rest is the request/response half of a session.
type Rest interface {
	Guilds(ctx context.Context) ([]Guild, error)
	Channels(ctx context.Context, guildId string) ([]Channel, error)
	Messages(ctx context.Context, channelId string, limit int) ([]Message, error)
	Members(ctx context.Context, guildId string) ([]Member, error)
	SendMessage(ctx context.Context, channelId, content string) (Message, error)
	DeleteMessage(ctx context.Context, channelId, messageId string) error
}

// Session is one authenticated connection to the remote platform.
type Session interface {
	Rest
	Identity() BotIdentity
	// Events may be left open; consumers stop on Done or after Close.
	Events() <-chan Event
	// Done is closed when the transport is lost without Close being called.
	Done() <-chan struct{}
	// Err explains why Done fired.
	Err() error
	Close(ctx context.Context) error
}

// Dialer opens sessions. Auth failures must come back as KindAuth errors so
// the Connection does not retry them.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Session, error)
}

type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 6,
	}
}

// Delay returns the wait before the given attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
