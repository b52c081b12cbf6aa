package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/louisbranch/gamequeue/internal/platform/id"
	"github.com/louisbranch/gamequeue/internal/platform/storage/migrate"
	"github.com/louisbranch/gamequeue/internal/services/lobby/storage/sqlite/migrations"
)

// userBlobIDRevision feeds the checksum of the Go-bodied conversion; bump
// it whenever convertUserKeys changes behavior.
const userBlobIDRevision = "1"

// NewEngine builds the migration engine for the lobby database. The
// generator seeds the user key conversion; nil selects random identifiers.
func NewEngine(gen id.Generator) *migrate.Engine {
	if gen == nil {
		gen = id.Random
	}
	eng := migrate.New(migrations.FS, "", migrate.SQLite{})
	eng.Register(migrate.GoUnit{
		Sequence:           5,
		Name:               "user_blob_id",
		Revision:           userBlobIDRevision,
		DisableForeignKeys: true,
		Run:                convertUserKeys(gen),
	})
	return eng
}

// convertUserKeys rewrites users.id from integer to a 16-byte blob and
// substitutes the new keys into every referencing column. The old-to-new
// mapping is seeded from Go so the identifier source stays pluggable.
func convertUserKeys(gen id.Generator) migrate.GoFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE user_id_map (
    old_id INTEGER PRIMARY KEY,
    new_id BLOB NOT NULL UNIQUE
);
`); err != nil {
			return fmt.Errorf("create user id map: %w", err)
		}

		oldIDs, err := collectUserIDs(ctx, tx)
		if err != nil {
			return err
		}
		for _, oldID := range oldIDs {
			newID, err := gen()
			if err != nil {
				return fmt.Errorf("generate key for user %d: %w", oldID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO user_id_map (old_id, new_id) VALUES (?, ?)", oldID, newID); err != nil {
				return fmt.Errorf("map user %d to %s: %w", oldID, id.Encode(newID), err)
			}
		}

		rebuilds := []string{
			`CREATE TABLE users_new (
    id BLOB PRIMARY KEY,
    nickname TEXT NOT NULL
);`,
			`INSERT INTO users_new (id, nickname)
SELECT m.new_id, u.nickname
FROM users u
JOIN user_id_map m ON m.old_id = u.id;`,
			`DROP TABLE users;`,
			`ALTER TABLE users_new RENAME TO users;`,

			`CREATE TABLE adhoc_tokens_new (
    id TEXT PRIMARY KEY,
    user_id BLOB NOT NULL REFERENCES users(id),
    secret BLOB NOT NULL,
    signature BLOB NOT NULL
);`,
			`INSERT INTO adhoc_tokens_new (id, user_id, secret, signature)
SELECT t.id, m.new_id, t.secret, t.signature
FROM adhoc_tokens t
JOIN user_id_map m ON m.old_id = t.user_id;`,
			`DROP TABLE adhoc_tokens;`,
			`ALTER TABLE adhoc_tokens_new RENAME TO adhoc_tokens;`,

			`CREATE TABLE lobby_new (
    id BLOB PRIMARY KEY,
    created_by BLOB NOT NULL REFERENCES users(id),
    player1 BLOB REFERENCES users(id),
    player2 BLOB REFERENCES users(id)
);`,
			`INSERT INTO lobby_new (id, created_by, player1, player2)
SELECT l.id, mc.new_id, mp1.new_id, mp2.new_id
FROM lobby l
JOIN user_id_map mc ON mc.old_id = l.created_by
LEFT JOIN user_id_map mp1 ON mp1.old_id = l.player1
LEFT JOIN user_id_map mp2 ON mp2.old_id = l.player2;`,
			`DROP TABLE lobby;`,
			`ALTER TABLE lobby_new RENAME TO lobby;`,

			`CREATE TABLE games_new (
    id BLOB PRIMARY KEY,
    created_by BLOB NOT NULL REFERENCES users(id),
    player1 BLOB REFERENCES users(id),
    player2 BLOB REFERENCES users(id)
);`,
			`INSERT INTO games_new (id, created_by, player1, player2)
SELECT g.id, mc.new_id, mp1.new_id, mp2.new_id
FROM games g
JOIN user_id_map mc ON mc.old_id = g.created_by
LEFT JOIN user_id_map mp1 ON mp1.old_id = g.player1
LEFT JOIN user_id_map mp2 ON mp2.old_id = g.player2;`,
			`DROP TABLE games;`,
			`ALTER TABLE games_new RENAME TO games;`,

			`DROP TABLE user_id_map;`,
		}
		for _, statement := range rebuilds {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				return fmt.Errorf("rebuild user references: %w", err)
			}
		}
		return nil
	}
}

func collectUserIDs(ctx context.Context, tx *sql.Tx) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}
