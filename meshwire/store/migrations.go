package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/session"
)

// Migration is one forward-only schema step. Rollback is an explicit
// admin action, not part of the migration runner.
type Migration struct {
	Name string
	SQL  []string
}

var Migrations = []Migration{
	{
		Name: "0001_create_groups",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS groups (
				"id" BYTEA PRIMARY KEY,
				"creator_inbox_id" VARCHAR(255) NOT NULL,
				"created_at_ns" BIGINT NOT NULL,
				"conversation_type" SMALLINT NOT NULL,
				"dm_id" VARCHAR(255) NOT NULL DEFAULT '',
				"name" TEXT NOT NULL DEFAULT '',
				"description" TEXT NOT NULL DEFAULT '',
				"disappear_from_ns" BIGINT NOT NULL DEFAULT 0,
				"disappear_in_ns" BIGINT NOT NULL DEFAULT 0,
				"policy" BYTEA,
				"membership_state" SMALLINT NOT NULL,
				"epoch" BIGINT NOT NULL DEFAULT 0,
				"last_epoch_authenticator" BYTEA,
				"paused_for_version" VARCHAR(64) NOT NULL DEFAULT '',
				"maybe_forked" BOOLEAN NOT NULL DEFAULT FALSE,
				"commit_log_forked" BOOLEAN NOT NULL DEFAULT FALSE,
				"commit_log_public_key" BYTEA,
				"commit_log_signing_key" BYTEA,
				"rotated_at_ns" BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS groups_dm_id_idx ON groups ("dm_id")`,
		},
	},
	{
		Name: "0002_create_group_messages",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS group_messages (
				"id" BYTEA NOT NULL,
				"group_id" BYTEA NOT NULL REFERENCES groups ("id"),
				"plaintext" BYTEA,
				"content_authority" VARCHAR(255) NOT NULL DEFAULT '',
				"content_type" VARCHAR(255) NOT NULL DEFAULT '',
				"content_version_major" INT NOT NULL DEFAULT 0,
				"content_version_minor" INT NOT NULL DEFAULT 0,
				"sender_inbox_id" VARCHAR(255) NOT NULL,
				"sender_installation_key" BYTEA,
				"sent_at_ns" BIGINT NOT NULL,
				"delivery_status" SMALLINT NOT NULL,
				"kind" SMALLINT NOT NULL,
				"reference_id" BYTEA,
				"expire_at_ns" BIGINT NOT NULL DEFAULT 0,
				"originator_id" BIGINT NOT NULL DEFAULT 0,
				"sequence_id" BIGINT NOT NULL DEFAULT 0,
				"should_push" BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY ("group_id", "id")
			)`,
			`CREATE INDEX IF NOT EXISTS group_messages_order_idx
				ON group_messages ("group_id", "originator_id", "sequence_id")`,
		},
	},
	{
		Name: "0003_create_group_intents",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS group_intents (
				"id" BIGSERIAL PRIMARY KEY,
				"group_id" BYTEA NOT NULL REFERENCES groups ("id"),
				"kind" SMALLINT NOT NULL,
				"payload" BYTEA,
				"attempts" INT NOT NULL DEFAULT 0,
				"state" SMALLINT NOT NULL,
				"staged_commit" BYTEA,
				"post_commit_action" BYTEA,
				"published_in_epoch" BIGINT,
				"should_push" BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX IF NOT EXISTS group_intents_state_idx
				ON group_intents ("group_id", "state", "id")`,
		},
	},
	{
		Name: "0004_create_refresh_state",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS refresh_state (
				"entity_id" BYTEA NOT NULL,
				"entity_kind" SMALLINT NOT NULL,
				"clock" JSONB NOT NULL,
				PRIMARY KEY ("entity_id", "entity_kind")
			)`,
		},
	},
	{
		Name: "0005_create_commit_logs",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS local_commit_log (
				"rowid" BIGSERIAL PRIMARY KEY,
				"group_id" BYTEA NOT NULL,
				"commit_sequence_id" BIGINT NOT NULL,
				"prior_epoch_authenticator" BYTEA,
				"commit_result" SMALLINT NOT NULL,
				"applied_epoch_number" BIGINT NOT NULL,
				"applied_epoch_authenticator" BYTEA,
				"sender_inbox_id" VARCHAR(255),
				"sender_installation_key" BYTEA,
				"commit_type" SMALLINT,
				"error_message" TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS local_commit_log_group_idx
				ON local_commit_log ("group_id", "commit_sequence_id")`,
			`
			CREATE TABLE IF NOT EXISTS remote_commit_log (
				"group_id" BYTEA NOT NULL,
				"commit_sequence_id" BIGINT NOT NULL,
				"applied_epoch_number" BIGINT NOT NULL,
				"applied_epoch_authenticator" BYTEA,
				PRIMARY KEY ("group_id", "commit_sequence_id")
			)`,
		},
	},
	{
		Name: "0006_create_icebox",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS icebox (
				"originator_id" BIGINT NOT NULL,
				"sequence_id" BIGINT NOT NULL,
				"group_id" BYTEA,
				"topic" BYTEA NOT NULL,
				"envelope" BYTEA NOT NULL,
				PRIMARY KEY ("originator_id", "sequence_id")
			)`,
			`
			CREATE TABLE IF NOT EXISTS icebox_dependencies (
				"originator_id" BIGINT NOT NULL,
				"sequence_id" BIGINT NOT NULL,
				"parent_originator_id" BIGINT NOT NULL,
				"parent_sequence_id" BIGINT NOT NULL,
				PRIMARY KEY ("originator_id", "sequence_id", "parent_originator_id", "parent_sequence_id")
			)`,
		},
	},
	{
		Name: "0007_create_consent_records",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS consent_records (
				"entity_type" SMALLINT NOT NULL,
				"entity" VARCHAR(255) NOT NULL,
				"state" SMALLINT NOT NULL,
				"consented_at_ns" BIGINT NOT NULL,
				PRIMARY KEY ("entity_type", "entity")
			)`,
		},
	},
	{
		Name: "0008_create_key_package_history",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS key_package_history (
				"id" BIGSERIAL PRIMARY KEY,
				"installation_key" BYTEA NOT NULL,
				"key_package" BYTEA NOT NULL,
				"created_at_ns" BIGINT NOT NULL,
				"superseded_at_ns" BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS key_package_history_installation_idx
				ON key_package_history ("installation_key")`,
		},
	},
	{
		Name: "0009_create_mls_key_store",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS mls_key_store (
				"key" BYTEA PRIMARY KEY,
				"value" BYTEA NOT NULL
			)`,
		},
	},
	{
		Name: "0010_create_identity_tables",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS identity (
				"inbox_id" VARCHAR(255) PRIMARY KEY,
				"installation_key" BYTEA NOT NULL,
				"credential" BYTEA,
				"created_at_ns" BIGINT NOT NULL DEFAULT 0
			)`,
			`
			CREATE TABLE IF NOT EXISTS identity_updates (
				"inbox_id" VARCHAR(255) NOT NULL,
				"sequence_id" BIGINT NOT NULL,
				"payload" BYTEA NOT NULL,
				"server_timestamp_ns" BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY ("inbox_id", "sequence_id")
			)`,
			`
			CREATE TABLE IF NOT EXISTS association_state (
				"inbox_id" VARCHAR(255) NOT NULL,
				"sequence_id" BIGINT NOT NULL,
				"state" BYTEA NOT NULL,
				PRIMARY KEY ("inbox_id", "sequence_id")
			)`,
			`
			CREATE TABLE IF NOT EXISTS identity_cache (
				"identifier" VARCHAR(255) NOT NULL,
				"identifier_kind" SMALLINT NOT NULL,
				"inbox_id" VARCHAR(255) NOT NULL,
				PRIMARY KEY ("identifier", "identifier_kind")
			)`,
		},
	},
	{
		Name: "0011_create_user_preferences",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS user_preferences (
				"id" BIGSERIAL PRIMARY KEY,
				"hmac_key" BYTEA,
				"hmac_key_cycled_at_ns" BIGINT
			)`,
		},
	},
}

// Migrate applies every unapplied migration in order, each inside its
// own transaction together with its ledger row.
func Migrate(pool session.SessionPool) error {
	err := runSQL(pool, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			"name" VARCHAR(255) PRIMARY KEY,
			"applied_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return errors.Wrap(err, "creating migration ledger")
	}

	for _, m := range Migrations {
		applied, err := migrationApplied(pool, m.Name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(pool, m); err != nil {
			return errors.Wrapf(err, "migration %s", m.Name)
		}
	}
	return nil
}

func runSQL(pool session.SessionPool, sql string) error {
	return pool.Session(context.Background(), func(s session.Session) error {
		_, err := s.(session.DbSession).Connection().Exec(sql)
		return err
	})
}

func migrationApplied(pool session.SessionPool, name string) (bool, error) {
	var applied bool
	err := pool.Session(context.Background(), func(s session.Session) error {
		row := s.(session.DbSession).Connection().QueryRow(
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name)
		return row.Scan(&applied)
	})
	return applied, err
}

func applyMigration(pool session.SessionPool, m Migration) error {
	return pool.Session(context.Background(), func(s session.Session) error {
		return s.Atomic(func(tx session.Session) error {
			conn := tx.(session.DbSession).Connection()
			for _, stmt := range m.SQL {
				if _, err := conn.Exec(stmt); err != nil {
					return err
				}
			}
			_, err := conn.Exec(`INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
	})
}
