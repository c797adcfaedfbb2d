package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the tables the call service reads and writes. users,
// chat_groups and group_members are owned by other services and are only
// created here so a standalone deployment can boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id    INT8 PRIMARY KEY,
		name       STRING NOT NULL DEFAULT '',
		avatar_url STRING,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_groups (
		group_id   INT8 PRIMARY KEY,
		name       STRING NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id  INT8 NOT NULL REFERENCES chat_groups (group_id) ON DELETE CASCADE,
		user_id   INT8 NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id INT8 PRIMARY KEY DEFAULT unique_rowid(),
		user_low        INT8 NOT NULL,
		user_high       INT8 NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_low, user_high),
		CHECK (user_low <= user_high)
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id         UUID PRIMARY KEY,
		call_type       STRING NOT NULL,
		conversation_id INT8 REFERENCES conversations (conversation_id),
		group_id        INT8 REFERENCES chat_groups (group_id),
		initiated_by    INT8 NOT NULL,
		channel_name    STRING NOT NULL UNIQUE,
		status          STRING NOT NULL,
		is_video        BOOL NOT NULL DEFAULT false,
		started_at      TIMESTAMPTZ,
		ended_at        TIMESTAMPTZ,
		duration        INT4 NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK ((conversation_id IS NULL) != (group_id IS NULL)),
		INDEX calls_status_created_idx (status, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		call_id        UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
		user_id        INT8 NOT NULL,
		ordinal        INT4 NOT NULL,
		status         STRING NOT NULL,
		joined_at      TIMESTAMPTZ,
		left_at        TIMESTAMPTZ,
		duration       INT4 NOT NULL DEFAULT 0,
		is_mic_muted   BOOL NOT NULL DEFAULT false,
		is_video_off   BOOL NOT NULL DEFAULT false,
		is_hand_raised BOOL NOT NULL DEFAULT false,
		PRIMARY KEY (call_id, user_id),
		INDEX call_participants_user_idx (user_id)
	)`,
}

// Migrate creates any missing tables
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
