// Package memory provides conversation memory storage. Conversations
// are ordered, append-only message histories; the order of messages is
// the order the model sees them in.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore is the interface for conversation storage.
type ConversationStore interface {
	// GetOrCreate returns the conversation with id, creating it when it
	// does not exist. An empty id creates a conversation with a new id.
	// created reports whether a new conversation was made.
	GetOrCreate(ctx context.Context, id string) (conv *Conversation, created bool, err error)

	// Get returns a copy of the conversation and its messages.
	Get(ctx context.Context, id string) (*Conversation, error)

	// Messages returns the conversation's messages in append order.
	Messages(ctx context.Context, id string) ([]Message, error)

	// Append adds msgs to the end of the conversation as one unit:
	// either all are stored or none are.
	Append(ctx context.Context, id string, msgs ...Message) error

	// Lock acquires the conversation's exclusive lock and returns the
	// function that releases it.
	Lock(id string) (unlock func())

	// Stats reports counts for startup logs and the usage command.
	Stats() map[string]any
}

// Message represents a conversation message.
type Message struct {
	Role      string    `json:"role"` // system, user, assistant, tool
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation holds the state of a single conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh conversation id.
func NewID() string {
	return uuid.NewString()
}

// Store is an in-memory [ConversationStore].
type Store struct {
	Locker

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
	}
}

// GetOrCreate implements [ConversationStore].
func (s *Store) GetOrCreate(_ context.Context, id string) (*Conversation, bool, error) {
	if id == "" {
		id = NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if ok {
		return conv.copy(), false, nil
	}
	now := time.Now()
	conv = &Conversation{
		ID:        id,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[id] = conv
	return conv.copy(), true, nil
}

// Get implements [ConversationStore].
func (s *Store) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	// Return a copy to avoid race conditions
	return conv.copy(), nil
}

// Messages implements [ConversationStore].
func (s *Store) Messages(ctx context.Context, id string) ([]Message, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Append implements [ConversationStore].
func (s *Store) Append(_ context.Context, id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}

	now := time.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.Messages = append(conv.Messages, m)
	}
	conv.UpdatedAt = now
	return nil
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalMessages := 0
	for _, conv := range s.conversations {
		totalMessages += len(conv.Messages)
	}

	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      totalMessages,
		"storage":       "memory",
	}
}

func (c *Conversation) copy() *Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{
		ID:        c.ID,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Locker hands out one mutex per conversation id. Entries are dropped
// when no holder or waiter remains. The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the lock for id is held and returns its release
// function. Distinct ids never contend.
func (l *Locker) Lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*convLock)
	}
	cl, ok := l.locks[id]
	if !ok {
		cl = &convLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Unlock()
			l.mu.Lock()
			cl.refs--
			if cl.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}
