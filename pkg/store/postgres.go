package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const businessColumns = `id, name, url, phone_number, notes, quote, conversation_id, created_at, updated_at`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and applies pending migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger.With("component", "store.postgres")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err == nil {
		s.logger.Info("schema ready", "version", version)
	}
	return nil
}

// Upsert inserts or merges businesses keyed by URL in one transaction.
func (s *PostgresStore) Upsert(ctx context.Context, businesses ...Business) ([]Business, error) {
	for i := range businesses {
		if err := businesses[i].Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO businesses (id, name, url, phone_number, notes, quote, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE businesses.name END,
			phone_number = CASE WHEN EXCLUDED.phone_number <> '' THEN EXCLUDED.phone_number ELSE businesses.phone_number END,
			notes = COALESCE(EXCLUDED.notes, businesses.notes),
			quote = COALESCE(EXCLUDED.quote, businesses.quote),
			conversation_id = COALESCE(EXCLUDED.conversation_id, businesses.conversation_id),
			updated_at = now()
		RETURNING ` + businessColumns

	out := make([]Business, 0, len(businesses))
	for _, b := range businesses {
		row := tx.QueryRow(ctx, query,
			uuid.New(), b.Name, b.URL, b.PhoneNumber, b.Notes, b.Quote, nullString(b.ConversationID),
		)
		saved, err := scanBusiness(row)
		if err != nil {
			return nil, fmt.Errorf("store: upsert %s: %w", b.URL, err)
		}
		out = append(out, *saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return out, nil
}

// GetByURL returns the business with the given URL.
func (s *PostgresStore) GetByURL(ctx context.Context, url string) (*Business, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+businessColumns+` FROM businesses WHERE url = $1`, url)
	b, err := scanBusiness(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("url", url)
	}
	return b, err
}

// GetByConversationID returns the business annotated with conversationID.
func (s *PostgresStore) GetByConversationID(ctx context.Context, conversationID string) (*Business, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+businessColumns+` FROM businesses WHERE conversation_id = $1`, conversationID)
	b, err := scanBusiness(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("conversation_id", conversationID)
	}
	return b, err
}

// SetConversationID annotates the business at url.
func (s *PostgresStore) SetConversationID(ctx context.Context, url, conversationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE businesses SET conversation_id = $1, updated_at = now() WHERE url = $2`,
		conversationID, url,
	)
	if err != nil {
		return fmt.Errorf("store: set conversation id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("url", url)
	}
	return nil
}

// SetQuote records the extraction result for a conversation.
func (s *PostgresStore) SetQuote(ctx context.Context, conversationID string, quote *float64, notes *string) (*Business, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE businesses SET quote = $1, notes = $2, updated_at = now()
		WHERE conversation_id = $3
		RETURNING `+businessColumns,
		quote, notes, conversationID,
	)
	b, err := scanBusiness(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("conversation_id", conversationID)
	}
	return b, err
}

// List returns all businesses, most recently updated first.
func (s *PostgresStore) List(ctx context.Context) ([]Business, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+businessColumns+` FROM businesses ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var list []Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanBusiness(row pgx.Row) (*Business, error) {
	var (
		b              Business
		id             uuid.UUID
		conversationID *string
	)
	err := row.Scan(
		&id, &b.Name, &b.URL, &b.PhoneNumber, &b.Notes, &b.Quote,
		&conversationID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ID = id.String()
	if conversationID != nil {
		b.ConversationID = *conversationID
	}
	return &b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
