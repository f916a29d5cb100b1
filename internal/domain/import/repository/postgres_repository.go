package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
)

// PgxPool abstracts the subset of pgxpool.Pool used by the repository to allow mocking in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ PgxPool = (*pgxpool.Pool)(nil)

const (
	loadDocumentQuery   = `SELECT doc FROM ledger_documents WHERE key = $1`
	lockDocumentQuery   = `SELECT pg_advisory_xact_lock(hashtext($1))`
	upsertDocumentQuery = `
		INSERT INTO ledger_documents (key, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`
)

// PostgresStateRepository keeps the state as one JSONB document per workspace key.
// Writers on the same key are serialized with a transaction-scoped advisory lock.
type PostgresStateRepository struct {
	pgpool PgxPool
	key    string
	tracer trace.Tracer
}

var _ StateRepository = (*PostgresStateRepository)(nil)

// NewPostgresStateRepository creates a repository for the given workspace key.
func NewPostgresStateRepository(pgpool PgxPool, key string) *PostgresStateRepository {
	return &PostgresStateRepository{
		pgpool: pgpool,
		key:    key,
		tracer: otel.Tracer("echo/repository"),
	}
}

// Load reads the document; a missing document is an empty state.
func (r *PostgresStateRepository) Load(ctx context.Context) (st *common.State, err error) {
	ctx, span := r.startSpan(ctx, "Load")
	defer func() { endSpan(span, err) }()

	return r.load(ctx, r.pgpool)
}

// Update locks the document, applies fn and writes the result in one transaction.
func (r *PostgresStateRepository) Update(ctx context.Context, fn func(*common.State) error) (err error) {
	ctx, span := r.startSpan(ctx, "Update")
	defer func() { endSpan(span, err) }()

	tx, err := r.pgpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	rollback := func() { _ = tx.Rollback(ctx) }

	if _, err := tx.Exec(ctx, lockDocumentQuery, r.key); err != nil {
		rollback()
		return fmt.Errorf("failed to lock ledger document: %w", err)
	}

	state, err := r.load(ctx, tx)
	if err != nil {
		rollback()
		return err
	}

	if err := fn(state); err != nil {
		rollback()
		return err
	}

	doc, err := json.Marshal(state)
	if err != nil {
		rollback()
		return fmt.Errorf("failed to encode ledger document: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertDocumentQuery, r.key, doc); err != nil {
		rollback()
		return fmt.Errorf("failed to store ledger document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger document: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresStateRepository) load(ctx context.Context, q rowQuerier) (*common.State, error) {
	var doc []byte
	err := q.QueryRow(ctx, loadDocumentQuery, r.key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger document: %w", err)
	}

	state := common.NewState()
	if err := json.Unmarshal(doc, state); err != nil {
		return nil, fmt.Errorf("failed to decode ledger document: %w", err)
	}
	state.Normalize()
	return state, nil
}

func (r *PostgresStateRepository) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "StateRepository."+op, trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "ledger_documents"),
		attribute.String("ledger.key", r.key),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
