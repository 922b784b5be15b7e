package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task ID does not resolve.
var ErrTaskNotFound = errors.New("chat: task not found")

// Directory resolves task conversation participants from the
// marketplace's tasks table. The table is owned by the main application;
// this core only reads the owner and the accepted helper.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a Directory over the given database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Participants returns the user IDs party to the task's conversation:
// the task owner and, once someone accepted it, the helper.
func (d *Directory) Participants(ctx context.Context, taskID string) ([]string, error) {
	const query = `SELECT owner_id, COALESCE(helper_id, '') FROM tasks WHERE id = $1`

	var owner, helper string
	err := d.db.QueryRowContext(ctx, query, taskID).Scan(&owner, &helper)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: lookup task %s: %w", taskID, err)
	}

	participants := []string{owner}
	if helper != "" {
		participants = append(participants, helper)
	}
	return participants, nil
}
