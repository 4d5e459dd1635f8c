package db

import (
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
)

type Connection struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

type Write func(params map[string]any, stmts ...string) error
type TransactionExecute func(write Write) error

func (conn *Connection) Transaction(ctx context.Context, execute TransactionExecute) error {
	session := conn.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: conn.database})
	defer session.Close(ctx)
	transaction, err := session.BeginTransaction(ctx)
	if err != nil {
		conn.logger.Error("Transaction failed", "err", err)
		return errors.Wrap(err, "begin transaction")
	}

	err = execute(conn.txWrite(ctx, transaction))
	if err != nil {
		if err2 := transaction.Rollback(ctx); err2 != nil {
			conn.logger.Error("Rollback failed", "err", err2)
		}
		return err
	}
	if err = transaction.Commit(ctx); err != nil {
		conn.logger.Error("Transaction failed", "err", err)
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (conn *Connection) txWrite(ctx context.Context, transaction neo4j.ExplicitTransaction) Write {
	return func(params map[string]any, stmts ...string) error {
		stmt := strings.Join(stmts, " ")
		conn.logger.Debug("Writing", "stmt", stmt)
		if params == nil {
			params = map[string]any{}
		}
		if _, err := transaction.Run(ctx, stmt, params); err != nil {
			conn.logger.Error("Transaction run failed", "err", err)
			return errors.Wrap(err, "run statement")
		}
		return nil
	}
}

func (conn *Connection) Query(ctx context.Context, params map[string]any, stmts ...string) (*neo4j.EagerResult, error) {
	stmt := strings.Join(stmts, " ")
	conn.logger.Debug("Querying", "stmt", stmt)
	if params == nil {
		params = map[string]any{}
	}
	result, err := neo4j.ExecuteQuery(ctx, conn.driver, stmt, params, neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(conn.database))
	if err != nil {
		conn.logger.Error("Error executing query", "err", err)
		return nil, errors.Wrap(err, "execute query")
	}
	return result, nil
}

// Connect opens a driver and verifies the server is reachable.
func Connect(ctx context.Context, dbUri, dbUser, dbPassword, database string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "neo4j")
	driver, err := neo4j.NewDriverWithContext(dbUri, neo4j.BasicAuth(dbUser, dbPassword, ""))
	if err != nil {
		return nil, errors.Wrap(err, "create neo4j driver")
	}
	if err = driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, errors.Wrap(err, "connect to neo4j")
	}
	logger.Info("Connection established.", "URI", dbUri)
	if database == "" {
		database = "neo4j"
	}
	return &Connection{driver: driver, database: database, logger: logger}, nil
}

func (conn *Connection) Close(ctx context.Context) error {
	conn.logger.Info("Closing Neo4j driver")
	return conn.driver.Close(ctx)
}
