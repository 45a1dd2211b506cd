package listener

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chat-notify/internal/db"
)

// PgDialer opens a dedicated pgx connection and issues LISTEN for every channel. Notifications
// cannot be received through a pooled connection, so each Dial owns its connection.
type PgDialer struct {
	DSN string
}

// NewPgDialer returns a Dialer for the given Postgres DSN.
func NewPgDialer(dsn string) *PgDialer {
	return &PgDialer{DSN: dsn}
}

// Dial connects and subscribes. The connection is closed if any LISTEN fails.
func (d *PgDialer) Dial(ctx context.Context, channels []string) (Conn, error) {
	conn, err := db.Connect(ctx, d.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return &pgConn{conn: conn}, nil
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
