package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// audioMessageRepo implements AudioMessageRepository.
type audioMessageRepo struct {
	db *DB
}

// NewAudioMessageRepository creates a new AudioMessageRepository.
func NewAudioMessageRepository(db *DB) AudioMessageRepository {
	return &audioMessageRepo{db: db}
}

const audioMessageColumns = `id, name, file_path, duration, category, language, action_type, created_at`

func (r *audioMessageRepo) Create(ctx context.Context, msg *models.AudioMessage) error {
	if msg.Category == "" {
		msg.Category = "standard"
	}
	if msg.Language == "" {
		msg.Language = "it"
	}
	if msg.ActionType == "" {
		msg.ActionType = models.ActionWakeUp
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO audio_messages (name, file_path, duration, category, language, action_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`,
		msg.Name, msg.FilePath, msg.Duration, msg.Category, msg.Language, msg.ActionType,
	)
	if err != nil {
		return fmt.Errorf("inserting audio message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetByID returns an audio message by ID, or nil when it does not exist.
func (r *audioMessageRepo) GetByID(ctx context.Context, id int64) (*models.AudioMessage, error) {
	var m models.AudioMessage
	err := r.db.QueryRowContext(ctx,
		`SELECT `+audioMessageColumns+` FROM audio_messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.FilePath, &m.Duration, &m.Category, &m.Language, &m.ActionType, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning audio message: %w", err)
	}
	return &m, nil
}

// List returns every audio message in insertion order. Prompt selection relies
// on this order to break ties.
func (r *audioMessageRepo) List(ctx context.Context) ([]models.AudioMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+audioMessageColumns+` FROM audio_messages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying audio messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.AudioMessage
	for rows.Next() {
		var m models.AudioMessage
		if err := rows.Scan(&m.ID, &m.Name, &m.FilePath, &m.Duration, &m.Category,
			&m.Language, &m.ActionType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audio message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *audioMessageRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM audio_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting audio message: %w", err)
	}
	return nil
}
