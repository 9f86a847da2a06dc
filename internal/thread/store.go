package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// List and history limits.
const (
	DefaultListLimit int32 = 50
	MaxListLimit     int32 = 200

	DefaultMessageLimit int32 = 100
	MaxMessageLimit     int32 = 10000
)

// threadCols is the standard SELECT column list for scanThreadRow.
const threadCols = `id, owner_id, title, created_at, updated_at`

// messageCols is the standard SELECT column list for scanMessageRow.
const messageCols = `id, thread_id, seq, role, content, status, request_id, created_at`

// Store manages threads and messages backed by PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a thread Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts a new thread for the given owner. Title may be empty; it is
// usually filled in later from the first exchange.
func (s *Store) Create(ctx context.Context, ownerID uuid.UUID, title string) (*Thread, error) {
	if ownerID == uuid.Nil {
		return nil, ErrOwnerRequired
	}

	var titleArg *string
	if title != "" {
		titleArg = &title
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO threads (owner_id, title)
		 VALUES ($1, $2)
		 RETURNING `+threadCols,
		ownerID, titleArg,
	)
	th, err := scanThreadRow(row)
	if err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}

	s.logger.Debug("created thread", "id", th.ID, "owner_id", ownerID)
	return th, nil
}

// Get retrieves a thread by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = $1`, id)
	th, err := scanThreadRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", id, err)
	}
	return th, nil
}

// List returns the owner's threads ordered by most recent activity.
func (s *Store) List(ctx context.Context, ownerID uuid.UUID, limit, offset int32) ([]*Thread, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+threadCols+`
		 FROM threads
		 WHERE owner_id = $1
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, scanErr := scanThreadRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning thread: %w", scanErr)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	return threads, nil
}

// ListAll returns threads for every principal ordered by most recent
// activity. It serves local operator tooling; the HTTP API always
// scopes by owner.
func (s *Store) ListAll(ctx context.Context, limit, offset int32) ([]*Thread, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+threadCols+`
		 FROM threads
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, scanErr := scanThreadRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning thread: %w", scanErr)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	return threads, nil
}

// Delete removes a thread and, via cascade, its messages.
// Only the owner may delete; a mismatched owner returns ErrForbidden.
func (s *Store) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	// Atomic: only deletes if both id and owner match.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM threads WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish not-found vs forbidden.
		var owner uuid.UUID
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT owner_id FROM threads WHERE id = $1`, id).Scan(&owner)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return ErrThreadNotFound
		}
		if lookupErr != nil {
			return fmt.Errorf("looking up thread %s: %w", id, lookupErr)
		}
		return ErrForbidden
	}

	s.logger.Debug("deleted thread", "id", id)
	return nil
}

// SetTitle updates a thread's title.
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET title = $2, updated_at = now() WHERE id = $1`,
		id, title,
	)
	if err != nil {
		return fmt.Errorf("updating thread title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AppendParams describes one message to append.
type AppendParams struct {
	ThreadID  uuid.UUID
	Role      string
	Content   string
	Status    string // defaults to StatusComplete
	RequestID string // optional; enables idempotent replay
}

func (p *AppendParams) validate() error {
	if p.ThreadID == uuid.Nil {
		return ErrThreadNotFound
	}
	switch p.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}
	if p.Content == "" {
		return ErrEmptyContent
	}
	if p.Status == "" {
		p.Status = StatusComplete
	}
	switch p.Status {
	case StatusComplete, StatusPartialFailed, StatusPartialCancelled:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}
	return nil
}

// Append inserts a message at the next sequence position.
//
// The thread row is locked for the duration of the transaction, so
// concurrent appends serialize and sequence numbers stay gap-free.
//
// When RequestID is set the append is idempotent: a prior message with the
// same (thread, request, role) coordinates is returned unchanged instead of
// inserting a duplicate. A partial unique index on those columns backs this
// up at the schema level.
func (s *Store) Append(ctx context.Context, p AppendParams) (*Message, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	msg, err := appendInTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("appended message",
		"thread_id", p.ThreadID, "seq", msg.Seq, "role", p.Role, "status", msg.Status)
	return msg, nil
}

func appendInTx(ctx context.Context, q querier, p AppendParams) (*Message, error) {
	// Serialize appends per thread.
	var locked uuid.UUID
	if err := q.QueryRow(ctx,
		`SELECT id FROM threads WHERE id = $1 FOR UPDATE`, p.ThreadID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("locking thread: %w", err)
	}

	// Replay check: a prior append with the same coordinates wins.
	if p.RequestID != "" {
		existing, err := getByRequest(ctx, q, p.ThreadID, p.RequestID, p.Role)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
	}

	var maxSeq int32
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = $1`,
		p.ThreadID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("reading max sequence: %w", err)
	}

	var requestArg *string
	if p.RequestID != "" {
		requestArg = &p.RequestID
	}

	msg := &Message{
		ThreadID:  p.ThreadID,
		Seq:       maxSeq + 1,
		Role:      p.Role,
		Content:   p.Content,
		Status:    p.Status,
		RequestID: p.RequestID,
	}
	if err := q.QueryRow(ctx,
		`INSERT INTO messages (thread_id, seq, role, content, status, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		p.ThreadID, msg.Seq, p.Role, p.Content, p.Status, requestArg,
	).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := q.Exec(ctx,
		`UPDATE threads SET updated_at = now() WHERE id = $1`, p.ThreadID); err != nil {
		return nil, fmt.Errorf("touching thread: %w", err)
	}

	return msg, nil
}

// Messages returns a thread's messages in ascending sequence order.
func (s *Store) Messages(ctx context.Context, threadID uuid.UUID, limit, offset int32) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages
		 WHERE thread_id = $1
		 ORDER BY seq ASC
		 LIMIT $2 OFFSET $3`,
		threadID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Recent returns the newest limit messages, still in ascending sequence
// order. Used to load conversation history for prompt assembly.
func (s *Store) Recent(ctx context.Context, threadID uuid.UUID, limit int32) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM (
		    SELECT `+messageCols+`
		    FROM messages
		    WHERE thread_id = $1
		    ORDER BY seq DESC
		    LIMIT $2
		 ) newest
		 ORDER BY seq ASC`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ByRequestID returns the message written for a given request and role, or
// ErrMessageNotFound. Used for idempotent replay of finished generations.
func (s *Store) ByRequestID(ctx context.Context, threadID uuid.UUID, requestID, role string) (*Message, error) {
	return getByRequest(ctx, s.pool, threadID, requestID, role)
}

func getByRequest(ctx context.Context, q querier, threadID uuid.UUID, requestID, role string) (*Message, error) {
	row := q.QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM messages
		 WHERE thread_id = $1 AND request_id = $2 AND role = $3`,
		threadID, requestID, role,
	)
	msg, err := scanMessageRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading message by request: %w", err)
	}
	return msg, nil
}

// scanThreadRow reads one Thread from a row with the threadCols column set.
func scanThreadRow(row pgx.Row) (*Thread, error) {
	th := &Thread{}
	var title *string
	if err := row.Scan(&th.ID, &th.OwnerID, &title, &th.CreatedAt, &th.UpdatedAt); err != nil {
		return nil, err
	}
	if title != nil {
		th.Title = *title
	}
	return th, nil
}

// scanMessageRow reads one Message from a row with the messageCols column set.
func scanMessageRow(row pgx.Row) (*Message, error) {
	m := &Message{}
	var requestID *string
	if err := row.Scan(
		&m.ID, &m.ThreadID, &m.Seq, &m.Role,
		&m.Content, &m.Status, &requestID, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	if requestID != nil {
		m.RequestID = *requestID
	}
	return m, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
