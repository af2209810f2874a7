// Package session defines the persisted conversation model: one session per
// identity-bearing run, an append-only transcript, and cumulative token-usage
// counters, plus the Store implementations that keep them durable.
package session

import (
	"context"
	"errors"
	"time"
)

// Store errors. Implementations wrap backend failures with ErrUnavailable so
// callers can retry the persistence step without re-running the completion.
var (
	ErrNotFound    = errors.New("session: not found")
	ErrUnavailable = errors.New("session: store unavailable")
)

// Role tags a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a transcript. Once appended it is never modified.
// TokenCount is computed at creation time; zero means counting was unavailable.
type Turn struct {
	Role       Role      `bson:"role" json:"role"`
	Content    string    `bson:"content" json:"content"`
	TokenCount int       `bson:"token_count,omitempty" json:"token_count,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Identity is the caller-supplied metadata captured before a session starts.
type Identity struct {
	UserID      string `bson:"user_id" json:"user_id"`
	DisplayName string `bson:"display_name" json:"display_name"`
}

// UsageEntry records the token cost of one completed exchange.
type UsageEntry struct {
	Timestamp    time.Time `bson:"timestamp" json:"timestamp"`
	InputTokens  int       `bson:"input_tokens" json:"input_tokens"`
	OutputTokens int       `bson:"output_tokens" json:"output_tokens"`
	TotalTokens  int       `bson:"total_tokens" json:"total_tokens"`
}

// Session is one persisted conversational run. Model and PromptVersion are
// fixed at creation for reproducibility. TotalInputTokens always equals the
// sum of InputTokens over UsageLog, and likewise for output; AppendExchange
// is the only mutation path and maintains both invariants together.
type Session struct {
	ID                string       `bson:"-" json:"id"`
	Identity          Identity     `bson:"identity" json:"identity"`
	CreatedAt         time.Time    `bson:"created_at" json:"created_at"`
	Model             string       `bson:"model" json:"model"`
	PromptVersion     string       `bson:"prompt_version" json:"prompt_version"`
	Transcript        []Turn       `bson:"transcript" json:"transcript"`
	TotalInputTokens  int          `bson:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int          `bson:"total_output_tokens" json:"total_output_tokens"`
	UsageLog          []UsageEntry `bson:"usage_log" json:"usage_log"`
}

// Store is durable keyed storage of session records.
type Store interface {
	// Create allocates a new session with an empty transcript and zeroed
	// usage. The store assigns the id.
	Create(ctx context.Context, identity Identity, model, promptVersion string) (*Session, error)

	// Get fetches a session by id. Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)

	// AppendExchange atomically appends the user turn then the assistant
	// turn, increments both usage totals, and pushes one usage-log entry
	// stamped with the current time. Concurrent calls on the same id must
	// both be reflected; a reader never observes the transcript update
	// without the matching usage update.
	AppendExchange(ctx context.Context, id string, userTurn, assistantTurn Turn, inputTokens, outputTokens int) error
}
