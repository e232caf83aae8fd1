package pgx

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/session"
	"github.com/krew-solutions/meshwire-go/meshwire/session/result"
)

// Session represents a database session without transaction
type Session struct {
	ctx  context.Context
	conn *pgxpool.Conn
}

func NewSession(ctx context.Context, conn *pgxpool.Conn) *Session {
	return &Session{ctx: ctx, conn: conn}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.conn}
}

func (s *Session) Atomic(callback session.SessionCallback) error {
	tx, err := s.conn.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}

	txSession := NewTransactionSession(s.ctx, tx)

	err = callback(txSession)
	if err != nil {
		if txErr := tx.Rollback(s.ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}

	if txErr := tx.Commit(s.ctx); txErr != nil {
		return errors.Wrap(txErr, "failed to commit transaction")
	}

	return nil
}

// TransactionSession represents a session inside a transaction;
// nested Atomic calls open savepoints.
type TransactionSession struct {
	ctx context.Context
	tx  pgx.Tx
}

func NewTransactionSession(ctx context.Context, tx pgx.Tx) *TransactionSession {
	return &TransactionSession{ctx: ctx, tx: tx}
}

func (s *TransactionSession) Context() context.Context {
	return s.ctx
}

func (s *TransactionSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx}
}

func (s *TransactionSession) Atomic(callback session.SessionCallback) error {
	nestedTx, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start savepoint")
	}

	nestedSession := NewTransactionSession(s.ctx, nestedTx)

	err = callback(nestedSession)
	if err != nil {
		if txErr := nestedTx.Rollback(s.ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}

	if txErr := nestedTx.Commit(s.ctx); txErr != nil {
		return errors.Wrap(txErr, "failed to commit savepoint")
	}

	return nil
}

// executor interface for both *pgxpool.Conn and pgx.Tx
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// connection implements session.DbConnection
type connection struct {
	ctx  context.Context
	exec executor
}

func (c *connection) Exec(query string, args ...any) (session.Result, error) {
	tag, err := c.exec.Exec(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return result.NewResult(0, tag.RowsAffected()), nil
}

func (c *connection) Query(query string, args ...any) (session.Rows, error) {
	rows, err := c.exec.Query(c.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (c *connection) QueryRow(query string, args ...any) session.Row {
	return c.exec.QueryRow(c.ctx, query, args...)
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}

func (r *pgxRows) Err() error {
	return r.rows.Err()
}

func (r *pgxRows) Next() bool {
	return r.rows.Next()
}

func (r *pgxRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}
