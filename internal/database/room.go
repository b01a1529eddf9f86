package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// roomRepo implements RoomRepository.
type roomRepo struct {
	db *DB
}

// NewRoomRepository creates a new RoomRepository.
func NewRoomRepository(db *DB) RoomRepository {
	return &roomRepo{db: db}
}

const roomColumns = `id, room_number, phone_extension, description, language, status, created_at, updated_at`

// Create inserts a new room. Empty language and status take the column defaults.
func (r *roomRepo) Create(ctx context.Context, room *models.Room) error {
	if room.Language == "" {
		room.Language = "it"
	}
	if room.Status == "" {
		room.Status = "available"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO rooms (room_number, phone_extension, description, language, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		room.RoomNumber, room.PhoneExtension, room.Description, room.Language, room.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting room: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	room.ID = id
	return nil
}

func (r *roomRepo) GetByID(ctx context.Context, id int64) (*models.Room, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
}

// GetByNumber returns the room with the given room number, or nil.
func (r *roomRepo) GetByNumber(ctx context.Context, number string) (*models.Room, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE room_number = ?`, number))
}

// List returns all rooms ordered numerically where possible.
func (r *roomRepo) List(ctx context.Context) ([]models.Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms ORDER BY CAST(room_number AS INTEGER), room_number`)
	if err != nil {
		return nil, fmt.Errorf("querying rooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var rm models.Room
		if err := rows.Scan(&rm.ID, &rm.RoomNumber, &rm.PhoneExtension, &rm.Description,
			&rm.Language, &rm.Status, &rm.CreatedAt, &rm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning room row: %w", err)
		}
		rooms = append(rooms, rm)
	}
	return rooms, rows.Err()
}

func (r *roomRepo) Update(ctx context.Context, room *models.Room) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rooms SET room_number = ?, phone_extension = ?, description = ?,
		 language = ?, status = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		room.RoomNumber, room.PhoneExtension, room.Description, room.Language, room.Status, room.ID,
	)
	if err != nil {
		return fmt.Errorf("updating room: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("room %d: %w", room.ID, ErrNotFound)
	}
	return nil
}

// scanOne scans a single room row. Returns nil, nil when no row exists.
func (r *roomRepo) scanOne(row *sql.Row) (*models.Room, error) {
	var rm models.Room
	err := row.Scan(&rm.ID, &rm.RoomNumber, &rm.PhoneExtension, &rm.Description,
		&rm.Language, &rm.Status, &rm.CreatedAt, &rm.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	return &rm, nil
}
