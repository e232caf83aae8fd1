package sql

import (
	"context"
	"database/sql"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/session"
	"github.com/krew-solutions/meshwire-go/meshwire/session/result"
)

// Session adapts database/sql for stores that are not backed by
// Postgres (the mobile bindings ship SQLite through this path).
// Nested Atomic calls are refused: a session already inside a
// transaction returns an error and opens no savepoint.
type Session struct {
	ctx        context.Context
	db         *sql.DB
	dbExecutor dbExecutor
}

func NewSession(ctx context.Context, db *sql.DB) *Session {
	return &Session{ctx: ctx, db: db, dbExecutor: db}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Connection() session.DbConnection {
	return s
}

func (s *Session) Atomic(callback session.SessionCallback) error {
	if s.db == nil {
		return errors.New("savepoints are not supported by this driver")
	}
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}
	newSession := &Session{ctx: s.ctx, dbExecutor: tx}
	err = callback(newSession)
	if err != nil {
		if txErr := tx.Rollback(); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}
	if txErr := tx.Commit(); txErr != nil {
		return errors.Wrap(txErr, "failed to commit tx")
	}
	return nil
}

func (s *Session) Exec(query string, args ...any) (session.Result, error) {
	res, err := s.dbExecutor.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return result.NewResult(0, affected), nil
}

func (s *Session) Query(query string, args ...any) (session.Rows, error) {
	return s.dbExecutor.Query(query, args...)
}

func (s *Session) QueryRow(query string, args ...any) session.Row {
	return s.dbExecutor.QueryRow(query, args...)
}

type dbExecutor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
