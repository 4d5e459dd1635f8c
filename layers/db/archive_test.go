package db

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/fuad-daoud/discord-bridge/platform"
	"go.uber.org/goleak"
	"golang.org/x/net/context"
)

type fakeRecorder struct {
	mu      sync.Mutex
	events  []platform.Event
	fail    bool
	release chan struct{}
}

func (f *fakeRecorder) Record(ctx context.Context, ev platform.Event) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("neo4j unavailable")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRecorder) recorded() []platform.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Event(nil), f.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchive(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("Testing events are recorded in order", func(t *testing.T) {
		recorder := &fakeRecorder{}
		archive := NewArchive(recorder, 8, quietLogger())
		archive.Start(context.Background())
		archive.Observe(platform.GuildAdd{Guild: platform.Guild{Id: "g1"}})
		archive.Observe(platform.MessageDelete{ChannelId: "c1", MessageId: "10"})
		archive.Close()

		events := recorder.recorded()
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if _, ok := events[0].(platform.GuildAdd); !ok {
			t.Fatalf("expected guild_add first, got %s", platform.EventName(events[0]))
		}
		if archive.Written() != 2 {
			t.Fatalf("expected 2 written, got %d", archive.Written())
		}
	})
	t.Run("Testing full queue drops without blocking", func(t *testing.T) {
		recorder := &fakeRecorder{release: make(chan struct{})}
		archive := NewArchive(recorder, 1, quietLogger())
		archive.Observe(platform.GuildRemove{GuildId: "g1"})
		archive.Observe(platform.GuildRemove{GuildId: "g2"})
		archive.Observe(platform.GuildRemove{GuildId: "g3"})
		if archive.Dropped() != 2 {
			t.Fatalf("expected 2 dropped, got %d", archive.Dropped())
		}
		close(recorder.release)
		archive.Start(context.Background())
		archive.Close()
		if len(recorder.recorded()) != 1 {
			t.Fatalf("expected 1 recorded, got %d", len(recorder.recorded()))
		}
	})
	t.Run("Testing failed writes are not counted", func(t *testing.T) {
		recorder := &fakeRecorder{fail: true}
		archive := NewArchive(recorder, 4, quietLogger())
		archive.Start(context.Background())
		archive.Observe(platform.GuildRemove{GuildId: "g1"})
		archive.Close()
		if archive.Written() != 0 {
			t.Fatalf("expected nothing written, got %d", archive.Written())
		}
	})
	t.Run("Testing close without start", func(t *testing.T) {
		NewArchive(&fakeRecorder{}, 0, nil).Close()
	})
}
