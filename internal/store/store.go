// Package store persists rule definitions in Postgres. The registry stays
// the authoritative copy; the store only seeds it at startup and records
// new rules write-behind, so no request or tick path ever waits on the
// database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleethub/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	device_id          TEXT NOT NULL,
	topic              TEXT NOT NULL,
	payload            TEXT NOT NULL DEFAULT '',
	qos                INT NOT NULL DEFAULT 0,
	retained           BOOLEAN NOT NULL DEFAULT FALSE,
	trigger_type       TEXT NOT NULL DEFAULT 'manual',
	interval_seconds   INT,
	condition_topic    TEXT,
	condition_operator TEXT,
	condition_value    TEXT,
	enabled            BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Verify connectivity early.
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return &Store{pool: p}, nil
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the rules table if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// LoadRules returns every persisted rule definition, for seeding the
// registry at startup.
func (s *Store) LoadRules(ctx context.Context) ([]registry.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, device_id, topic, payload, qos, retained, trigger_type,
		       interval_seconds, condition_topic, condition_operator, condition_value,
		       enabled, created_at
		FROM rules
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var out []registry.Rule
	for rows.Next() {
		var (
			r         registry.Rule
			interval  *int
			condTopic *string
			condOp    *string
			condValue *string
			createdAt time.Time
		)
		if err := rows.Scan(
			&r.ID, &r.Name, &r.DeviceID, &r.Topic, &r.Payload, &r.QoS, &r.Retained,
			&r.Trigger, &interval, &condTopic, &condOp, &condValue, &r.Enabled, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if interval != nil {
			r.IntervalSeconds = *interval
		}
		if condTopic != nil {
			r.ConditionTopic = *condTopic
		}
		if condOp != nil {
			r.ConditionOperator = *condOp
		}
		if condValue != nil {
			r.ConditionValue = *condValue
		}
		r.CreatedAt = createdAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return out, nil
}

// SaveRule records a newly created rule. The registry already rejected
// duplicate ids, so an existing row is left as-is.
func (s *Store) SaveRule(ctx context.Context, r registry.Rule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rules (
			id, name, device_id, topic, payload, qos, retained, trigger_type,
			interval_seconds, condition_topic, condition_operator, condition_value,
			enabled, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Name, r.DeviceID, r.Topic, r.Payload, r.QoS, r.Retained, r.Trigger,
		nullableInt(r.IntervalSeconds), nullableString(r.ConditionTopic),
		nullableString(r.ConditionOperator), nullableString(r.ConditionValue),
		r.Enabled, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save rule %q: %w", r.ID, err)
	}
	return nil
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
