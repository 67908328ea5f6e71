package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps credential records in a single table with a
// (user_id, method_type) primary key. Consume and counter updates run in a
// transaction holding a row lock, so concurrent consumers serialize per pair.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool for dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool wraps an existing pool. The schema is assumed
// to be in place.
func NewPostgresStoreWithPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS auth_credentials (
			user_id      text   NOT NULL,
			method_type  text   NOT NULL,
			secret       bytea  NOT NULL,
			counter      bigint NOT NULL DEFAULT 0,
			created_at   bigint NOT NULL,
			last_used_at bigint NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, method_type)
		)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, methodType string) (*Record, error) {
	const query = `
		SELECT secret, counter, created_at, last_used_at
		FROM auth_credentials
		WHERE user_id = $1 AND method_type = $2`

	rec := &Record{UserID: userID, MethodType: methodType}
	err := s.pool.QueryRow(ctx, query, userID, methodType).
		Scan(&rec.Secret, &rec.Counter, &rec.CreatedAt, &rec.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO auth_credentials (user_id, method_type, secret, counter, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, method_type) DO UPDATE
		SET secret = EXCLUDED.secret, counter = EXCLUDED.counter,
		    created_at = EXCLUDED.created_at, last_used_at = EXCLUDED.last_used_at`

	_, err := s.pool.Exec(ctx, query,
		rec.UserID, rec.MethodType, rec.Secret, rec.Counter, rec.CreatedAt, rec.LastUsedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) SaveNew(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO auth_credentials (user_id, method_type, secret, counter, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, method_type) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		rec.UserID, rec.MethodType, rec.Secret, rec.Counter, rec.CreatedAt, rec.LastUsedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, methodType string) error {
	const query = `DELETE FROM auth_credentials WHERE user_id = $1 AND method_type = $2`
	if _, err := s.pool.Exec(ctx, query, userID, methodType); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ConsumeCode(ctx context.Context, userID, methodType string, hash [32]byte, now int64) (bool, error) {
	consumed := false
	err := s.withRowLock(ctx, userID, methodType, func(tx pgx.Tx, secret []byte, _ int64) error {
		entries, err := DecodeCodeEntries(secret)
		if err != nil {
			return err
		}
		if !consumeEntry(entries, hash) {
			return nil
		}
		updated, err := EncodeCodeEntries(entries)
		if err != nil {
			return err
		}

		const query = `
			UPDATE auth_credentials SET secret = $3, last_used_at = $4
			WHERE user_id = $1 AND method_type = $2`
		if _, err := tx.Exec(ctx, query, userID, methodType, updated, now); err != nil {
			return err
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

func (s *PostgresStore) AdvanceCounter(ctx context.Context, userID, methodType string, counter, now int64) (bool, error) {
	const query = `
		UPDATE auth_credentials SET counter = $3, last_used_at = $4
		WHERE user_id = $1 AND method_type = $2 AND counter < $3`

	tag, err := s.pool.Exec(ctx, query, userID, methodType, counter, now)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) withRowLock(ctx context.Context, userID, methodType string, fn func(tx pgx.Tx, secret []byte, counter int64) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		SELECT secret, counter FROM auth_credentials
		WHERE user_id = $1 AND method_type = $2
		FOR UPDATE`

	var secret []byte
	var counter int64
	if err := tx.QueryRow(ctx, query, userID, methodType).Scan(&secret, &counter); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := fn(tx, secret, counter); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
