// Package memory is an in-process implementation of store.Store. It backs the
// server's "memory" database driver and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parley/chat-core/internal/model"
	"github.com/parley/chat-core/internal/store"
)

type data struct {
	users         map[string]model.User
	conversations map[string]model.Conversation
	participants  map[string][]model.Participant // by conversation id
	messages      map[string]model.Message
	seq           int64
}

func newData() *data {
	return &data{
		users:         make(map[string]model.User),
		conversations: make(map[string]model.Conversation),
		participants:  make(map[string][]model.Participant),
		messages:      make(map[string]model.Message),
	}
}

func (d *data) clone() *data {
	c := newData()
	c.seq = d.seq
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.conversations {
		c.conversations[k] = v
	}
	for k, v := range d.participants {
		c.participants[k] = append([]model.Participant(nil), v...)
	}
	for k, v := range d.messages {
		c.messages[k] = v
	}
	return c
}

type shared struct {
	mu  sync.Mutex
	d   *data
	now func() time.Time
}

// Store serializes every operation behind one mutex. A transaction holds the
// mutex for its whole duration and restores a snapshot on failure.
type Store struct {
	s    *shared
	inTx bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{s: &shared{d: newData(), now: func() time.Time { return time.Now().UTC() }}}
}

// SetClock replaces the time source. Tests use it to produce deterministic
// timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.s.mu.Lock()
	s.s.now = now
	s.s.mu.Unlock()
}

// AddUser inserts or replaces a user profile. User accounts are owned outside
// the chat core, so this is the only way to populate them in memory.
func (s *Store) AddUser(u model.User) {
	s.s.mu.Lock()
	s.s.d.users[u.ID] = u
	s.s.mu.Unlock()
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.s.mu.Lock()
	return s.s.mu.Unlock
}

// WithTx runs fn with the store locked, rolling every change back if fn
// fails. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.s.mu.Lock()
	defer s.s.mu.Unlock()

	snapshot := s.s.d.clone()
	if err := fn(&Store{s: s.s, inTx: true}); err != nil {
		s.s.d = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		s.s.d = snapshot
		return err
	}
	return nil
}

func (s *Store) Users() store.UserRepo                 { return userRepo{s} }
func (s *Store) Conversations() store.ConversationRepo { return conversationRepo{s} }
func (s *Store) Participants() store.ParticipantRepo   { return participantRepo{s} }
func (s *Store) Messages() store.MessageRepo           { return messageRepo{s} }

type userRepo struct{ s *Store }

func (r userRepo) GetMany(_ context.Context, ids []string) (map[string]*model.User, error) {
	defer r.s.lock()()
	out := make(map[string]*model.User, len(ids))
	for _, id := range ids {
		if u, ok := r.s.s.d.users[id]; ok {
			out[id] = &u
		}
	}
	return out, nil
}

func (r userRepo) ListExcept(_ context.Context, userID string) ([]*model.User, error) {
	defer r.s.lock()()
	out := make([]*model.User, 0, len(r.s.s.d.users))
	for id, u := range r.s.s.d.users {
		if id == userID {
			continue
		}
		u := u
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

type conversationRepo struct{ s *Store }

func (r conversationRepo) CreatePair(_ context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	defer r.s.lock()()
	d := r.s.s.d
	for _, existing := range d.conversations {
		if existing.PairLow == c.PairLow && existing.PairHigh == c.PairHigh {
			existing := existing
			return &existing, false, nil
		}
	}
	now := r.s.s.now()
	row := *c
	row.CreatedAt, row.UpdatedAt = now, now
	d.conversations[row.ID] = row
	return &row, true, nil
}

func (r conversationRepo) Get(_ context.Context, id string) (*model.Conversation, error) {
	defer r.s.lock()()
	c, ok := r.s.s.d.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r conversationRepo) ListForUser(_ context.Context, userID string) ([]*model.Conversation, error) {
	defer r.s.lock()()
	out := []*model.Conversation{}
	for _, c := range r.s.s.d.conversations {
		if c.Has(userID) {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r conversationRepo) Touch(_ context.Context, id string) error {
	defer r.s.lock()()
	c, ok := r.s.s.d.conversations[id]
	if !ok {
		return nil
	}
	c.UpdatedAt = r.s.s.now()
	r.s.s.d.conversations[id] = c
	return nil
}

func (r conversationRepo) Delete(_ context.Context, id string) error {
	defer r.s.lock()()
	d := r.s.s.d
	delete(d.conversations, id)
	delete(d.participants, id)
	for mid, m := range d.messages {
		if m.ConversationID == id {
			delete(d.messages, mid)
		}
	}
	return nil
}

type participantRepo struct{ s *Store }

func (r participantRepo) Add(_ context.Context, ps ...*model.Participant) error {
	defer r.s.lock()()
	d := r.s.s.d
	now := r.s.s.now()
	for _, p := range ps {
		row := *p
		if row.JoinedAt.IsZero() {
			row.JoinedAt = now
		}
		d.participants[row.ConversationID] = append(d.participants[row.ConversationID], row)
	}
	return nil
}

func (r participantRepo) Get(_ context.Context, conversationID, userID string) (*model.Participant, error) {
	defer r.s.lock()()
	for _, p := range r.s.s.d.participants[conversationID] {
		if p.UserID == userID {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (r participantRepo) ListByConversation(_ context.Context, conversationID string) ([]*model.Participant, error) {
	defer r.s.lock()()
	rows := r.s.s.d.participants[conversationID]
	out := make([]*model.Participant, 0, len(rows))
	for i := range rows {
		p := rows[i]
		out = append(out, &p)
	}
	return out, nil
}

func (r participantRepo) AdvanceReadCursor(_ context.Context, conversationID, userID string) (time.Time, error) {
	defer r.s.lock()()
	rows := r.s.s.d.participants[conversationID]
	for i := range rows {
		if rows[i].UserID != userID {
			continue
		}
		next := r.s.s.now()
		if cur := rows[i].LastReadAt; cur != nil && cur.After(next) {
			next = *cur
		}
		rows[i].LastReadAt = &next
		return next, nil
	}
	return time.Time{}, nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) Create(_ context.Context, m *model.Message) error {
	if !m.Status.Valid() {
		return fmt.Errorf("memory: insert message: unknown status %q", m.Status)
	}
	defer r.s.lock()()
	d := r.s.s.d
	d.seq++
	m.Seq = d.seq
	m.CreatedAt = r.s.s.now()
	row := *m
	row.Attachments = append([]string(nil), m.Attachments...)
	d.messages[m.ID] = row
	return nil
}

func (r messageRepo) Get(_ context.Context, id string) (*model.Message, error) {
	defer r.s.lock()()
	m, ok := r.s.s.d.messages[id]
	if !ok {
		return nil, nil
	}
	return copyMessage(m), nil
}

// ordered returns the messages of a conversation matching keep, oldest first.
// Callers hold the lock.
func (r messageRepo) ordered(conversationID string, keep func(model.Message) bool) []*model.Message {
	out := []*model.Message{}
	for _, m := range r.s.s.d.messages {
		if m.ConversationID == conversationID && (keep == nil || keep(m)) {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (r messageRepo) List(_ context.Context, conversationID string, offset, limit int) ([]*model.Message, error) {
	defer r.s.lock()()
	all := r.ordered(conversationID, nil)
	if offset >= len(all) {
		return []*model.Message{}, nil
	}
	if offset > 0 {
		all = all[offset:]
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r messageRepo) Count(_ context.Context, conversationID string) (int, error) {
	defer r.s.lock()()
	n := 0
	for _, m := range r.s.s.d.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (r messageRepo) Latest(_ context.Context, conversationIDs []string) (map[string]*model.Message, error) {
	defer r.s.lock()()
	out := make(map[string]*model.Message, len(conversationIDs))
	for _, id := range conversationIDs {
		all := r.ordered(id, nil)
		if len(all) > 0 {
			out[id] = all[len(all)-1]
		}
	}
	return out, nil
}

func unread(userID string, since time.Time) func(model.Message) bool {
	return func(m model.Message) bool {
		return m.SenderID != userID && m.Status != model.StatusRead && m.CreatedAt.After(since)
	}
}

func (r messageRepo) ListUnread(_ context.Context, conversationID, userID string, since time.Time) ([]*model.Message, error) {
	defer r.s.lock()()
	return r.ordered(conversationID, unread(userID, since)), nil
}

func (r messageRepo) MarkRead(_ context.Context, conversationID, userID string, since time.Time) (int64, error) {
	defer r.s.lock()()
	var n int64
	for _, m := range r.ordered(conversationID, unread(userID, since)) {
		row := r.s.s.d.messages[m.ID]
		row.Status = model.StatusRead
		r.s.s.d.messages[m.ID] = row
		n++
	}
	return n, nil
}

func (r messageRepo) Delete(_ context.Context, id string) error {
	defer r.s.lock()()
	delete(r.s.s.d.messages, id)
	return nil
}

func copyMessage(m model.Message) *model.Message {
	m.Attachments = append([]string{}, m.Attachments...)
	return &m
}
