package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PgxDialer creates dedicated Postgres connections for the pool. Each pooled
// handle owns exactly one pgx.Conn; pooling, retries and timeouts stay under
// the pool's control rather than the driver's.
type PgxDialer struct {
	dsn string
}

// NewPgxDialer validates the DSN eagerly so a misconfigured store fails at
// first use with a configuration error rather than a retried query error.
func NewPgxDialer(dsn string) (*PgxDialer, error) {
	if dsn == "" {
		return nil, &ConfigurationError{Reason: "store dsn required"}
	}
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid dsn: %v", err)}
	}
	return &PgxDialer{dsn: dsn}, nil
}

// Dial opens one new connection.
func (d *PgxDialer) Dial(ctx context.Context) (Handle, error) {
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &pgxHandle{conn: conn}, nil
}

type pgxHandle struct {
	conn *pgx.Conn
}

func (h *pgxHandle) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := h.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		row := make(Row, len(fields))
		for i, field := range fields {
			if i < len(values) {
				row[field.Name] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

func (h *pgxHandle) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := h.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("store: exec: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (h *pgxHandle) Ping(ctx context.Context) error {
	return h.conn.Ping(ctx)
}

func (h *pgxHandle) Close(ctx context.Context) error {
	return h.conn.Close(ctx)
}
