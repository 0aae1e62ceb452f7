package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coderoom/internal/models"
	"coderoom/pkg/logger"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (LOWER(email));

CREATE TABLE IF NOT EXISTS rooms (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	language        TEXT NOT NULL,
	visibility      TEXT NOT NULL,
	invite_code     TEXT UNIQUE,
	max_users       INT NOT NULL,
	created_by      TEXT NOT NULL,
	created_by_name TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS room_kicks (
	room_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	kicked_by  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS room_reports (
	id               TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	reporter_id      TEXT NOT NULL,
	reported_user_id TEXT NOT NULL,
	reason           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrDuplicate)
	}
	return err
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, email, display_name, password_hash, created_at FROM users WHERE LOWER(email) = LOWER($1)`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}

	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.pool.Exec(ctx, query, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", translate(err))
	}

	return nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, display_name, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}

	return user, nil
}

// Room Repository Implementation
const roomColumns = `id, title, language, visibility, COALESCE(invite_code, ''), max_users, created_by, created_by_name, created_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	room := &models.Room{}
	err := row.Scan(
		&room.ID, &room.Title, &room.Language, &room.Visibility, &room.InviteCode,
		&room.Capacity, &room.CreatedBy, &room.CreatedByName, &room.CreatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return room, nil
}

func (db *PostgresDB) CreateRoom(ctx context.Context, room *models.Room) error {
	query := `
		INSERT INTO rooms (id, title, language, visibility, invite_code, max_users, created_by, created_by_name, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		room.ID, room.Title, room.Language, room.Visibility, room.InviteCode,
		room.Capacity, room.CreatedBy, room.CreatedByName, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", translate(err))
	}

	return nil
}

func (db *PostgresDB) GetRoomByID(ctx context.Context, id string) (*models.Room, error) {
	return scanRoom(db.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (db *PostgresDB) GetRoomByInviteCode(ctx context.Context, code string) (*models.Room, error) {
	return scanRoom(db.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE invite_code = $1`, code))
}

func (db *PostgresDB) ListPublicRooms(ctx context.Context) ([]*models.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE visibility = $1 ORDER BY created_at DESC`

	rows, err := db.pool.Query(ctx, query, models.VisibilityPublic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// Moderation Repository Implementation
func (db *PostgresDB) RecordKick(ctx context.Context, kick *models.Kick) error {
	query := `
		INSERT INTO room_kicks (room_id, user_id, kicked_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, user_id)
		DO UPDATE SET kicked_by = EXCLUDED.kicked_by, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

	_, err := db.pool.Exec(ctx, query, kick.RoomID, kick.UserID, kick.KickedBy, kick.CreatedAt, kick.ExpiresAt)
	return err
}

func (db *PostgresDB) IsKicked(ctx context.Context, roomID, userID string, now time.Time) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM room_kicks WHERE room_id = $1 AND user_id = $2 AND expires_at > $3)`

	var kicked bool
	err := db.pool.QueryRow(ctx, query, roomID, userID, now).Scan(&kicked)
	return kicked, err
}

func (db *PostgresDB) ClearKick(ctx context.Context, roomID, userID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM room_kicks WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	return err
}

func (db *PostgresDB) DeleteExpiredKicks(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM room_kicks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *PostgresDB) RecordReport(ctx context.Context, report *models.Report) error {
	query := `
		INSERT INTO room_reports (id, room_id, reporter_id, reported_user_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		report.ID, report.RoomID, report.ReporterID, report.ReportedUserID, report.Reason, report.CreatedAt,
	)
	return err
}
