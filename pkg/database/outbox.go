package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox channels. These double as the broker routing keys.
const (
	ChannelJobs  = "jobs"
	ChannelTasks = "tasks"
)

// OutboxMessage is one pending broker publication.
type OutboxMessage struct {
	ID        string
	Channel   string
	Payload   []byte
	CreatedAt time.Time
}

func insertOutbox(ctx context.Context, tx pgx.Tx, channel string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (channel, payload) VALUES ($1, $2)`, channel, payload)
	return err
}

// FetchOutbox retrieves up to limit pending messages ordered by creation
// time.
func (c *Client) FetchOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := c.pool.Query(ctx, `
        SELECT id::text, channel, payload, created_at
        FROM outbox ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Channel, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutbox removes an outbox message after a successful publish.
func (c *Client) DeleteOutbox(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, id)
	return err
}

func newCorrelationID() string {
	return uuid.NewString()
}
