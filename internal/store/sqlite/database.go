package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (creating if needed) the database at dbPath and applies the
// embedded migrations.
func New(dbPath string, logger *zap.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; coordinators of different rooms save concurrently.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	d := &Database{db: db, logger: logger}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database initialized", zap.String("path", dbPath))
	return d, nil
}

// NewWithDB wraps an already migrated connection.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Database {
	return &Database{db: db, logger: logger}
}

func (d *Database) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(d.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// m.Close would close the shared *sql.DB as well; only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Snapshot operations

func (d *Database) Save(ctx context.Context, room *protocol.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	summary := store.Summarize(room)

	var finalizedAt any
	if room.FinalizedAt != nil {
		finalizedAt = room.FinalizedAt.UnixMilli()
	}
	now := time.Now().UnixMilli()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, tenant_id, circle_id, owner_id, status, total, item_count, participant_count, created_at, updated_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			item_count = excluded.item_count,
			participant_count = excluded.participant_count,
			updated_at = excluded.updated_at,
			finalized_at = excluded.finalized_at
	`, summary.ID, summary.TenantID, summary.CircleID, summary.OwnerID, string(summary.Status),
		summary.Total, summary.ItemCount, summary.ParticipantCount,
		room.CreatedAt.UnixMilli(), now, finalizedAt)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, snapshot_data, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			version = room_snapshots.version + 1,
			updated_at = excluded.updated_at
	`, room.ID, data, now)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *Database) Load(ctx context.Context, roomID string) (*protocol.Room, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT snapshot_data FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var room protocol.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", roomID, err)
	}
	return &room, nil
}

func (d *Database) Delete(ctx context.Context, roomID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM room_snapshots WHERE room_id = ?", roomID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return tx.Commit()
}

// Room listing

func (d *Database) List(ctx context.Context, limit, offset int) ([]store.Summary, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, tenant_id, circle_id, owner_id, status, total, item_count, participant_count, created_at, updated_at
		FROM rooms
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []store.Summary
	for rows.Next() {
		var (
			s                    store.Summary
			status               string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&s.ID, &s.TenantID, &s.CircleID, &s.OwnerID, &status,
			&s.Total, &s.ItemCount, &s.ParticipantCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.Status = protocol.Status(status)
		s.CreatedAt = time.UnixMilli(createdAt).UTC()
		s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		rooms = append(rooms, s)
	}
	return rooms, rows.Err()
}

func (d *Database) FinalizedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM rooms
		WHERE status = ? AND finalized_at IS NOT NULL AND finalized_at < ?
	`, string(protocol.StatusFinalized), cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list finalized rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats

func (d *Database) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.Rooms); err != nil {
		return stats, err
	}
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rooms WHERE status = ?", string(protocol.StatusFinalized),
	).Scan(&stats.Finalized); err != nil {
		return stats, err
	}
	return stats, nil
}

var _ store.Store = (*Database)(nil)
