package db

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fuad-daoud/discord-bridge/platform"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
)

const (
	DefaultQueueSize   = 1024
	defaultWriteTimout = 5 * time.Second
)

// Recorder persists one gateway event.
type Recorder interface {
	Record(ctx context.Context, ev platform.Event) error
}

// Archive mirrors applied events into the graph from a single worker. The
// gateway pump never waits on it: a full queue drops the event.
type Archive struct {
	recorder Recorder
	logger   *slog.Logger
	queue    chan platform.Event
	dropped  atomic.Int64
	written  atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewArchive(recorder Recorder, size int, logger *slog.Logger) *Archive {
	if size < 1 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		recorder: recorder,
		logger:   logger.With("component", "archive"),
		queue:    make(chan platform.Event, size),
	}
}

func (a *Archive) Observe(ev platform.Event) {
	select {
	case a.queue <- ev:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("Archive queue full, dropping event", "event", platform.EventName(ev), "dropped", a.dropped.Load())
		}
	}
}

func (a *Archive) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				a.drain()
				return
			case ev := <-a.queue:
				a.record(ctx, ev)
			}
		}
	}()
}

// drain writes whatever is already queued with a fresh deadline per event.
func (a *Archive) drain() {
	for {
		select {
		case ev := <-a.queue:
			a.record(context.Background(), ev)
		default:
			return
		}
	}
}

func (a *Archive) record(ctx context.Context, ev platform.Event) {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimout)
	defer cancel()
	if err := a.recorder.Record(ctx, ev); err != nil {
		a.logger.Error("Could not archive event", "event", platform.EventName(ev), "err", err)
		return
	}
	a.written.Add(1)
}

// Close stops the worker after flushing the queue.
func (a *Archive) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Archive) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Archive) Written() int64 {
	return a.written.Load()
}

// Graph records events as Guild, Channel, Message and User nodes.
type Graph struct {
	conn *Connection
}

func NewGraph(conn *Connection) *Graph {
	return &Graph{conn: conn}
}

func (g *Graph) Record(ctx context.Context, ev platform.Event) error {
	statements, err := Statements(ev)
	if err != nil {
		return err
	}
	if len(statements) == 0 {
		return nil
	}
	return g.conn.Transaction(ctx, func(write Write) error {
		for _, statement := range statements {
			if err := write(statement.Params, statement.Cypher...); err != nil {
				return err
			}
		}
		return nil
	})
}

type Statement struct {
	Cypher []string
	Params map[string]any
}

// Statements translates ev into the writes that mirror it. Removals mark
// nodes instead of deleting them so the log keeps history.
func Statements(ev platform.Event) ([]Statement, error) {
	switch e := ev.(type) {
	case platform.Ready:
		guilds := make([]any, 0, len(e.Guilds))
		for _, guild := range e.Guilds {
			props, err := ToProps(guild)
			if err != nil {
				return nil, err
			}
			guilds = append(guilds, props)
		}
		return []Statement{{
			Cypher: []string{Unwind("guilds", "guild"), Merge("(g:Guild {id: guild.id})"), "SET g += guild, g.removed = false"},
			Params: map[string]any{"guilds": guilds},
		}}, nil
	case platform.GuildAdd:
		props, err := ToProps(e.Guild)
		if err != nil {
			return nil, err
		}
		return []Statement{{
			Cypher: []string{Merge(Node("g", "Guild", "id")), Set("g", "props"), "SET g.removed = false"},
			Params: map[string]any{"id": e.Guild.Id, "props": props},
		}}, nil
	case platform.GuildRemove:
		return []Statement{{
			Cypher: []string{Match(Node("g", "Guild", "id")), "SET g.removed = true"},
			Params: map[string]any{"id": e.GuildId},
		}}, nil
	case platform.ChannelAdd:
		return channelStatements(e.Channel)
	case platform.ChannelUpdate:
		return channelStatements(e.Channel)
	case platform.ChannelRemove:
		return []Statement{{
			Cypher: []string{Match(Node("c", "Channel", "id")), "SET c.removed = true"},
			Params: map[string]any{"id": e.ChannelId},
		}}, nil
	case platform.MessageCreate:
		return messageStatements(e.Message)
	case platform.MessageUpdate:
		return messageStatements(e.Message)
	case platform.MessageDelete:
		return []Statement{{
			Cypher: []string{Match(Node("m", "Message", "id")), "SET m.deleted = true, m.deletedAt = datetime()"},
			Params: map[string]any{"id": e.MessageId},
		}}, nil
	case platform.MemberUpdate:
		props, err := ToProps(e.Member)
		if err != nil {
			return nil, err
		}
		delete(props, "guildId")
		roles := make([]any, 0, len(e.Member.Roles))
		for _, role := range e.Member.Roles {
			roles = append(roles, role.Name)
		}
		return []Statement{{
			Cypher: []string{
				Merge(Node("g", "Guild", "guildId")),
				Merge(Node("u", "User", "id")), Set("u", "props"),
				Merge("(u)-[r:MEMBER_OF]->(g)"), "SET r.roles = $roles",
			},
			Params: map[string]any{"guildId": e.Member.GuildId, "id": e.Member.Id, "props": props, "roles": roles},
		}}, nil
	case platform.MemberRemove:
		return []Statement{{
			Cypher: []string{Match("(u:User {id: $id})-[r:MEMBER_OF]->(g:Guild {id: $guildId})"), Delete("r")},
			Params: map[string]any{"guildId": e.GuildId, "id": e.UserId},
		}}, nil
	}
	return nil, errors.Errorf("unsupported event %T", ev)
}

func channelStatements(channel platform.Channel) ([]Statement, error) {
	props, err := ToProps(channel)
	if err != nil {
		return nil, err
	}
	return []Statement{{
		Cypher: []string{
			Merge(Node("g", "Guild", "guildId")),
			Merge(Node("c", "Channel", "id")), Set("c", "props"), "SET c.removed = false",
			Merge("(c)-[:IN]->(g)"),
		},
		Params: map[string]any{"guildId": channel.GuildId, "id": channel.Id, "props": props},
	}}, nil
}

func messageStatements(message platform.Message) ([]Statement, error) {
	props, err := ToProps(message)
	if err != nil {
		return nil, err
	}
	author, err := ToProps(message.Author)
	if err != nil {
		return nil, err
	}
	return []Statement{{
		Cypher: []string{
			Merge(Node("c", "Channel", "channelId")),
			Merge(Node("m", "Message", "id")), Set("m", "props"),
			Merge("(m)-[:POSTED_IN]->(c)"),
			Merge(Node("u", "User", "authorId")), Set("u", "author"),
			Merge("(u)-[:WROTE]->(m)"),
		},
		Params: map[string]any{
			"channelId": message.ChannelId,
			"id":        message.Id,
			"props":     props,
			"authorId":  message.Author.Id,
			"author":    author,
		},
	}}, nil
}

// LoggedMessage is a message as the archive stored it.
type LoggedMessage struct {
	Id        string `mapstructure:"id" json:"id"`
	ChannelId string `mapstructure:"channelId" json:"channelId"`
	Content   string `mapstructure:"content" json:"content"`
	CreatedAt string `mapstructure:"createdAt" json:"createdAt"`
	EditedAt  string `mapstructure:"editedAt" json:"editedAt,omitempty"`
	Deleted   bool   `mapstructure:"deleted" json:"deleted"`
}

// MessageLog returns archived messages of a channel newest first, deleted
// ones included.
func (g *Graph) MessageLog(ctx context.Context, channelId string, limit int) ([]LoggedMessage, error) {
	result, err := g.conn.Query(ctx, map[string]any{"channelId": channelId, "limit": limit},
		Match("(m:Message)-[:POSTED_IN]->(c:Channel {id: $channelId})"),
		Return("m"),
		OrderBy("m.createdAt DESC"),
		Limit("limit"),
	)
	if err != nil {
		return nil, err
	}
	messages, ok := ParseAll[LoggedMessage]("m", result.Records)
	if !ok && len(result.Records) > 0 {
		return nil, errors.New("could not parse archived messages")
	}
	return messages, nil
}
