package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. It backs credential-less runs
// and tests; the durability contract is obviously void across restarts, but
// the atomicity contract of AppendExchange is honored.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, identity Identity, model, promptVersion string) (*Session, error) {
	sess := &Session{
		ID:            uuid.NewString(),
		Identity:      identity,
		CreatedAt:     time.Now().UTC(),
		Model:         model,
		PromptVersion: promptVersion,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess.clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.clone(), nil
}

func (s *MemoryStore) AppendExchange(ctx context.Context, id string, userTurn, assistantTurn Turn, inputTokens, outputTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.Transcript = append(sess.Transcript, userTurn, assistantTurn)
	sess.TotalInputTokens += inputTokens
	sess.TotalOutputTokens += outputTokens
	sess.UsageLog = append(sess.UsageLog, UsageEntry{
		Timestamp:    time.Now().UTC(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	})
	return nil
}

// clone returns a copy the caller may mutate without affecting the store.
func (sess *Session) clone() *Session {
	out := *sess
	out.Transcript = append([]Turn(nil), sess.Transcript...)
	out.UsageLog = append([]UsageEntry(nil), sess.UsageLog...)
	return &out
}
