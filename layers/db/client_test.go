package db

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fuad-daoud/discord-bridge/platform"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"golang.org/x/net/context"
)

// liveConnection needs a running server, e.g.
// NEO4J_DATABASE_URL=neo4j://localhost:7687 NEO4J_DATABASE_USER=neo4j NEO4J_DATABASE_PASSWORD=neo4j
func liveConnection(t *testing.T) *Connection {
	t.Helper()
	uri := os.Getenv("NEO4J_DATABASE_URL")
	if uri == "" {
		t.Skip("NEO4J_DATABASE_URL not set")
	}
	connection, err := Connect(context.Background(), uri, os.Getenv("NEO4J_DATABASE_USER"), os.Getenv("NEO4J_DATABASE_PASSWORD"), os.Getenv("NEO4J_DATABASE_NAME"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = connection.Transaction(ctx, func(write Write) error {
			return write(nil, `MATCH (T:TEST) DETACH DELETE T`)
		})
		_ = connection.Close(ctx)
	})
	return connection
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, "neo4j://127.0.0.1:1", "neo4j", "neo4j", "", quietLogger())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateNodeQueryNode(t *testing.T) {
	connection := liveConnection(t)
	ctx := context.Background()
	err := connection.Transaction(ctx, func(write Write) error {
		return write(map[string]any{"id": "test123"}, Create("(T:TEST {id: $id})"), Return("T"))
	})
	if err != nil {
		t.Fatal(err)
	}
	query, err := connection.Query(ctx, map[string]any{"id": "test123"}, Match(Node("T", "TEST", "id")), Return("T"))
	if err != nil {
		t.Fatal(err)
	}
	if len(query.Records) != 1 {
		t.Fatalf("Query returned wrong number of records. Expected: 1, got: %d", len(query.Records))
	}
	get, ok := query.Records[0].Get("T")
	if !ok {
		t.Fatal("Query returned no T")
	}
	node := get.(dbtype.Node)
	if node.Labels[0] != "TEST" {
		t.Fatalf("Query returned wrong label. Expected: TEST, got: %s", node.Labels[0])
	}
	if node.Props["id"] != "test123" {
		t.Fatalf("Query returned wrong id. Expected: test123, got: %s", node.Props["id"])
	}
}

func TestFailedTransaction(t *testing.T) {
	connection := liveConnection(t)
	ctx := context.Background()
	t.Run("Testing Transaction on failed transaction execute function", func(t *testing.T) {
		err := connection.Transaction(ctx, func(write Write) error {
			return errors.New("return error")
		})
		if err == nil {
			t.Fatalf("did not get expected error")
		}
	})
	t.Run("Testing Transaction on failed write function", func(t *testing.T) {
		err := connection.Transaction(ctx, func(write Write) error {
			return write(nil, "invalid statement")
		})
		if err == nil {
			t.Fatalf("did not get expected error")
		}
	})
}

func TestGraphMessageLog(t *testing.T) {
	connection := liveConnection(t)
	ctx := context.Background()
	graph := NewGraph(connection)
	channel := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		_ = connection.Transaction(ctx, func(write Write) error {
			return write(map[string]any{"id": channel}, Match("(m:Message)-[:POSTED_IN]->(c:Channel {id: $id})"), "DETACH DELETE m, c")
		})
	})
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{channel + "-1", channel + "-2"} {
		err := graph.Record(ctx, platform.MessageCreate{Message: platform.Message{
			Id: id, ChannelId: channel, Content: "Hello", CreatedAt: created.Add(time.Duration(i) * time.Second),
			Author: platform.Author{Id: "test-author"},
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := graph.Record(ctx, platform.MessageDelete{ChannelId: channel, MessageId: channel + "-1"}); err != nil {
		t.Fatal(err)
	}
	logged, err := graph.MessageLog(ctx, channel, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(logged))
	}
	if logged[0].Id != channel+"-2" || logged[0].Deleted {
		t.Fatalf("unexpected newest %+v", logged[0])
	}
	if !logged[1].Deleted {
		t.Fatalf("expected %s to be marked deleted", logged[1].Id)
	}
}
