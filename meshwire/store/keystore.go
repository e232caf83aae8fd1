package store

import (
	"context"

	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/session"
)

// PgKeyStore persists MLS key material in the mls_key_store table.
// Transaction maps onto the session's Atomic scope so key-state
// commits ride the same rollback semantics as the rest of the store.
type PgKeyStore struct {
	pool session.SessionPool
}

func NewPgKeyStore(pool session.SessionPool) *PgKeyStore {
	return &PgKeyStore{pool: pool}
}

var _ mls.KeyStore = (*PgKeyStore)(nil)

func (s *PgKeyStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.pool.Session(context.Background(), func(sess session.Session) error {
		row := sess.(session.DbSession).Connection().QueryRow(
			`SELECT value FROM mls_key_store WHERE key = $1`, key)
		if err := row.Scan(&value); err != nil {
			return nil
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *PgKeyStore) Put(key, value []byte) error {
	return s.pool.Session(context.Background(), func(sess session.Session) error {
		_, err := sess.(session.DbSession).Connection().Exec(`
			INSERT INTO mls_key_store (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, key, value)
		return err
	})
}

func (s *PgKeyStore) Delete(key []byte) error {
	return s.pool.Session(context.Background(), func(sess session.Session) error {
		_, err := sess.(session.DbSession).Connection().Exec(
			`DELETE FROM mls_key_store WHERE key = $1`, key)
		return err
	})
}

// Transaction runs fn against a key store bound to one transaction.
func (s *PgKeyStore) Transaction(fn func(mls.KeyStore) error) error {
	return s.pool.Session(context.Background(), func(sess session.Session) error {
		return sess.Atomic(func(tx session.Session) error {
			return fn(&txKeyStore{sess: tx.(session.DbSession)})
		})
	})
}

type txKeyStore struct {
	sess session.DbSession
}

func (s *txKeyStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	row := s.sess.Connection().QueryRow(`SELECT value FROM mls_key_store WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *txKeyStore) Put(key, value []byte) error {
	_, err := s.sess.Connection().Exec(`
		INSERT INTO mls_key_store (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (s *txKeyStore) Delete(key []byte) error {
	_, err := s.sess.Connection().Exec(`DELETE FROM mls_key_store WHERE key = $1`, key)
	return err
}

func (s *txKeyStore) Transaction(fn func(mls.KeyStore) error) error {
	return s.sess.Atomic(func(tx session.Session) error {
		return fn(&txKeyStore{sess: tx.(session.DbSession)})
	})
}
