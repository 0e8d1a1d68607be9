// Package postgres implements store.Store on PostgreSQL with sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/store"
)

// Store runs queries on the pool, or on a transaction for handles created by
// WithTx.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
	tx bool
}

var _ store.Store = (*Store)(nil)

// NewStore returns a Store on db. Migrations must already be applied.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// WithTx runs fn in one transaction, committed when fn returns nil. Nested
// calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) (err error) {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Store{db: s.db, q: tx, tx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) Users() store.UserRepo                 { return userRepo{s.q} }
func (s *Store) Conversations() store.ConversationRepo { return conversationRepo{s.q} }
func (s *Store) Participants() store.ParticipantRepo   { return participantRepo{s.q} }
func (s *Store) Messages() store.MessageRepo           { return messageRepo{s.q} }

// getOne runs a single-row query and maps sql.ErrNoRows to found=false.
func getOne(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) (bool, error) {
	err := sqlx.GetContext(ctx, q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type userRepo struct{ q sqlx.ExtContext }

const userColumns = `id, name, email, avatar`

func (r userRepo) GetMany(ctx context.Context, ids []string) (map[string]*model.User, error) {
	out := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*model.User
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: get users: %w", err)
	}
	for _, u := range rows {
		out[u.ID] = u
	}
	return out, nil
}

func (r userRepo) ListExcept(ctx context.Context, userID string) ([]*model.User, error) {
	rows := []*model.User{}
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+userColumns+` FROM users WHERE id <> $1 ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	return rows, nil
}

type conversationRepo struct{ q sqlx.ExtContext }

const conversationColumns = `id, pair_low, pair_high, created_at, updated_at`

func (r conversationRepo) CreatePair(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	var row model.Conversation
	created, err := getOne(ctx, r.q, &row,
		`INSERT INTO conversations (id, pair_low, pair_high)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (pair_low, pair_high) DO NOTHING
		 RETURNING `+conversationColumns,
		c.ID, c.PairLow, c.PairHigh)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: insert conversation: %w", err)
	}
	if created {
		return &row, true, nil
	}

	// Lost the race or the pair already existed: the conflicting row is
	// committed and visible to this statement.
	found, err := getOne(ctx, r.q, &row,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_low = $1 AND pair_high = $2`,
		c.PairLow, c.PairHigh)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: find conversation by pair: %w", err)
	}
	if !found {
		return nil, false, fmt.Errorf("postgres: conversation %s/%s conflicted but is not visible", c.PairLow, c.PairHigh)
	}
	return &row, false, nil
}

func (r conversationRepo) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var row model.Conversation
	found, err := getOne(ctx, r.q, &row,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get conversation: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &row, nil
}

func (r conversationRepo) ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	rows := []*model.Conversation{}
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE pair_low = $1 OR pair_high = $1
		 ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	return rows, nil
}

func (r conversationRepo) Touch(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: touch conversation: %w", err)
	}
	return nil
}

func (r conversationRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	return nil
}

type participantRepo struct{ q sqlx.ExtContext }

const participantColumns = `conversation_id, user_id, last_read_at, joined_at`

func (r participantRepo) Add(ctx context.Context, ps ...*model.Participant) error {
	for _, p := range ps {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)`,
			p.ConversationID, p.UserID)
		if err != nil {
			return fmt.Errorf("postgres: add participant: %w", err)
		}
	}
	return nil
}

func (r participantRepo) Get(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	var row model.Participant
	found, err := getOne(ctx, r.q, &row,
		`SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get participant: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &row, nil
}

func (r participantRepo) ListByConversation(ctx context.Context, conversationID string) ([]*model.Participant, error) {
	rows := []*model.Participant{}
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+participantColumns+` FROM participants
		 WHERE conversation_id = $1 ORDER BY joined_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list participants: %w", err)
	}
	return rows, nil
}

func (r participantRepo) AdvanceReadCursor(ctx context.Context, conversationID, userID string) (time.Time, error) {
	var at time.Time
	_, err := getOne(ctx, r.q, &at,
		`UPDATE participants
		 SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), now())
		 WHERE conversation_id = $1 AND user_id = $2
		 RETURNING last_read_at`, conversationID, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: advance read cursor: %w", err)
	}
	return at, nil
}

type messageRepo struct{ q sqlx.ExtContext }

const messageColumns = `id, seq, conversation_id, sender_id, text, attachments, status, created_at`

// messageRow carries the attachments array, which model.Message keeps as a
// plain slice.
type messageRow struct {
	model.Message
	Files pq.StringArray `db:"attachments"`
}

func (r messageRow) toModel() *model.Message {
	m := r.Message
	m.Attachments = []string(r.Files)
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	return &m
}

func toModels(rows []messageRow) []*model.Message {
	out := make([]*model.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

func (r messageRepo) Create(ctx context.Context, m *model.Message) error {
	if !m.Status.Valid() {
		return fmt.Errorf("postgres: insert message: unknown status %q", m.Status)
	}
	files := m.Attachments
	if files == nil {
		files = []string{}
	}
	var out struct {
		Seq       int64     `db:"seq"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := sqlx.GetContext(ctx, r.q, &out,
		`INSERT INTO messages (id, conversation_id, sender_id, text, attachments, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq, created_at`,
		m.ID, m.ConversationID, m.SenderID, m.Text, pq.Array(files), m.Status)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	m.Seq, m.CreatedAt = out.Seq, out.CreatedAt
	return nil
}

func (r messageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	found, err := getOne(ctx, r.q, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}
	if !found {
		return nil, nil
	}
	return row.toModel(), nil
}

func (r messageRepo) List(ctx context.Context, conversationID string, offset, limit int) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at, seq OFFSET $2`
	args := []any{conversationID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return toModels(rows), nil
}

func (r messageRepo) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return 0, fmt.Errorf("postgres: count messages: %w", err)
	}
	return n, nil
}

func (r messageRepo) Latest(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error) {
	out := make(map[string]*model.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []messageRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT DISTINCT ON (conversation_id) `+messageColumns+` FROM messages
		 WHERE conversation_id = ANY($1)
		 ORDER BY conversation_id, created_at DESC, seq DESC`, pq.Array(conversationIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: latest messages: %w", err)
	}
	for _, row := range rows {
		out[row.ConversationID] = row.toModel()
	}
	return out, nil
}

const unreadPredicate = `conversation_id = $1 AND sender_id <> $2 AND status <> 'READ' AND created_at > $3`

func (r messageRepo) ListUnread(ctx context.Context, conversationID, userID string, since time.Time) ([]*model.Message, error) {
	var rows []messageRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE `+unreadPredicate+` ORDER BY created_at, seq`,
		conversationID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unread: %w", err)
	}
	return toModels(rows), nil
}

func (r messageRepo) MarkRead(ctx context.Context, conversationID, userID string, since time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE messages SET status = 'READ' WHERE `+unreadPredicate,
		conversationID, userID, since)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: mark read: %w", err)
	}
	return n, nil
}

func (r messageRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete message: %w", err)
	}
	return nil
}
