package avalia

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore keeps each evaluation as a jsonb document, one row per
// document, in a table named after the collection.
type postgresStore struct {
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration
}

func NewPostgresStore(ctx context.Context, cfg Config) (*postgresStore, error) {
	pgxpoolConfig, err := pgxpool.ParseConfig(cfg.DBConnString)
	if err != nil {
		return nil, err
	}
	pgxpoolConfig.MinConns = int32(cfg.DBPoolSize)
	pgxpoolConfig.MaxConns = int32(cfg.DBPoolSize)
	pool, err := pgxpool.NewWithConfig(ctx, pgxpoolConfig)
	if err != nil {
		return nil, err
	}
	s := &postgresStore{
		pool:    pool,
		table:   pgx.Identifier{cfg.Collection}.Sanitize(),
		timeout: time.Duration(cfg.DBQueryTimeout) * time.Second,
	}
	err = s.ensureSchema(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withQueryTimeout(ctx, s.timeout)
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := "create table if not exists " + s.table + ` (
		id uuid primary key,
		doc jsonb not null,
		created_at timestamptz not null
	)`
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *postgresStore) AddEvaluation(ctx context.Context, e Evaluation) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	e.ID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	q := "insert into " + s.table + " (id, doc, created_at) values ($1, $2, $3)"
	_, err = s.pool.Exec(ctx, q, e.ID, doc, e.CreatedAt)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *postgresStore) ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := "select doc from " + s.table + " order by created_at desc"
	args := []interface{}{}
	if limit > 0 {
		q += " limit $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Evaluation{}
	for rows.Next() {
		var doc []byte
		var e Evaluation
		err = rows.Scan(&doc)
		if err != nil {
			return nil, err
		}
		err = json.Unmarshal(doc, &e)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
