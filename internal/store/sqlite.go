package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'free',
		enabled_plugins TEXT NOT NULL DEFAULT '[]',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		calls_json TEXT,
		call_json TEXT,
		marker TEXT NOT NULL DEFAULT '',
		clarification_context TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user_seq ON turns(user_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, tier, enabled_plugins, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var tier, plugins string
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &tier, &plugins, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	if err := json.Unmarshal([]byte(plugins), &user.EnabledPlugins); err != nil {
		return nil, fmt.Errorf("decode enabled plugins: %w", err)
	}
	user.Tier = domain.Tier(tier)
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, tier, enabled_plugins, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		tier = excluded.tier,
		enabled_plugins = excluded.enabled_plugins,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	tier := user.Tier
	if tier == "" {
		tier = domain.TierFree
	}
	plugins, err := encodePlugins(user.EnabledPlugins)
	if err != nil {
		return err
	}

	return shared.RetryOnConflict(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, string(tier), plugins,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// ErrUserNotFound is returned when a per-user mutation targets an unknown user.
var ErrUserNotFound = errors.New("user not found")

// SetPluginEnabled toggles a plugin in the user's enabled set.
func (s *SQLiteStore) SetPluginEnabled(ctx context.Context, userID, plugin string, enabled bool) ([]string, error) {
	var result []string
	err := shared.RetryOnConflict(ctx, "set plugin enabled", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		err = tx.QueryRowContext(ctx, `SELECT enabled_plugins FROM users WHERE user_id = ?`, userID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("read enabled plugins: %w", err)
		}

		var plugins []string
		if err := json.Unmarshal([]byte(raw), &plugins); err != nil {
			return fmt.Errorf("decode enabled plugins: %w", err)
		}

		idx := slices.Index(plugins, plugin)
		switch {
		case enabled && idx < 0:
			plugins = append(plugins, plugin)
		case !enabled && idx >= 0:
			plugins = slices.Delete(plugins, idx, idx+1)
		}
		slices.Sort(plugins)

		encoded, err := encodePlugins(plugins)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET enabled_plugins = ?, updated_at = ? WHERE user_id = ?`,
			encoded, time.Now().Unix(), userID,
		); err != nil {
			return fmt.Errorf("update enabled plugins: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		result = plugins
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendTurn durably appends a turn. Turns are never updated afterwards.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) error {
	query := `
	INSERT INTO turns (id, user_id, role, content, calls_json, call_json, marker, clarification_context, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var callsJSON, callJSON any
	if len(turn.Calls) > 0 {
		data, err := json.Marshal(turn.Calls)
		if err != nil {
			return fmt.Errorf("encode calls: %w", err)
		}
		callsJSON = string(data)
	}
	if turn.Call != nil {
		data, err := json.Marshal(turn.Call)
		if err != nil {
			return fmt.Errorf("encode call record: %w", err)
		}
		callJSON = string(data)
	}

	return shared.RetryOnConflict(ctx, "append turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, turn.UserID, string(turn.Role), turn.Content,
			callsJSON, callJSON, string(turn.Marker), turn.ClarificationContext,
			turn.CreatedAt.UnixNano(),
		)
		return err
	})
}

const turnColumns = `id, user_id, role, content, calls_json, call_json, marker, clarification_context, created_at`

// ReadWindow returns the most recent limit turns in chronological order.
func (s *SQLiteStore) ReadWindow(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + turnColumns + ` FROM (
			SELECT seq, ` + turnColumns + ` FROM turns
			WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
	return s.queryTurns(ctx, query, userID, limit)
}

// ReadAll returns the full conversation in chronological order.
func (s *SQLiteStore) ReadAll(ctx context.Context, userID string) ([]domain.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE user_id = ? ORDER BY seq ASC`
	return s.queryTurns(ctx, query, userID)
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var role, marker string
		var callsJSON, callJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&turn.ID, &turn.UserID, &role, &turn.Content,
			&callsJSON, &callJSON, &marker, &turn.ClarificationContext, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}

		turn.Role = domain.Role(role)
		turn.Marker = domain.Marker(marker)
		turn.CreatedAt = time.Unix(0, createdAt)
		if callsJSON.Valid {
			if err := json.Unmarshal([]byte(callsJSON.String), &turn.Calls); err != nil {
				return nil, fmt.Errorf("decode calls for turn %s: %w", turn.ID, err)
			}
		}
		if callJSON.Valid {
			turn.Call = &domain.FunctionCallRecord{}
			if err := json.Unmarshal([]byte(callJSON.String), turn.Call); err != nil {
				return nil, fmt.Errorf("decode call record for turn %s: %w", turn.ID, err)
			}
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return turns, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func encodePlugins(plugins []string) (string, error) {
	if plugins == nil {
		plugins = []string{}
	}
	data, err := json.Marshal(plugins)
	if err != nil {
		return "", fmt.Errorf("encode enabled plugins: %w", err)
	}
	return string(data), nil
}
