// Package engine orchestrates one conversational exchange: render the
// instruction prompt, call the completion provider, count tokens, and
// persist both turns plus the usage increments in one atomic append.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/semarlabs/semar-go/internal/llm"
	"github.com/semarlabs/semar-go/internal/logger"
	"github.com/semarlabs/semar-go/internal/prompt"
	"github.com/semarlabs/semar-go/internal/session"
	"github.com/semarlabs/semar-go/internal/tokens"
)

// FSM states for one exchange. There is no terminal conversation state; the
// prompt text may declare logical completion, but the engine does not.
type FSMState stateless.State

var (
	StateAwaitingInput FSMState = "AwaitingUserInput"
	StateGenerating    FSMState = "Generating"
	StatePersisting    FSMState = "Persisting"
	StateDone          FSMState = "Done"
	StateError         FSMState = "Error"
)

// FSM triggers.
type FSMTrigger stateless.Trigger

var (
	TriggerUserInput         FSMTrigger = "UserInput"
	TriggerReplyAssembled    FSMTrigger = "ReplyAssembled"
	TriggerExchangePersisted FSMTrigger = "ExchangePersisted"
	TriggerErrorOccurred     FSMTrigger = "ErrorOccurred"
)

var (
	// ErrIdentityRequired means the caller has not captured user id and
	// display name yet: not ready to start, rather than a hard failure.
	ErrIdentityRequired = errors.New("engine: identity required before starting a session")

	// ErrEmptyUtterance rejects blank input before any state transition.
	ErrEmptyUtterance = errors.New("engine: empty utterance")

	// ErrCompletion wraps upstream completion failures. Nothing was
	// persisted; the caller may resubmit the same utterance.
	ErrCompletion = errors.New("engine: completion failed")
)

// Exchange is the result of one completed user/assistant round trip.
type Exchange struct {
	UserTurn      session.Turn `json:"user_turn"`
	AssistantTurn session.Turn `json:"assistant_turn"`
	InputTokens   int          `json:"input_tokens"`
	OutputTokens  int          `json:"output_tokens"`
}

// Engine drives conversations over a Store and a completion Client. Distinct
// sessions proceed fully in parallel; within one session exchanges are
// serialized so transcript order is conversation order.
type Engine struct {
	llmClient    llm.Client
	store        session.Store
	counter      tokens.Counter
	template     *prompt.Template
	model        string
	extraPrompts []string

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes exchanges on one session. Entries are refcounted so
// the lock map does not grow with every session the daemon ever served.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an engine. extraPrompts are appended to every rendered prompt
// (system prompts discovered from MCP servers at startup).
func New(llmClient llm.Client, store session.Store, counter tokens.Counter, tmpl *prompt.Template, model string, extraPrompts []string) *Engine {
	return &Engine{
		llmClient:    llmClient,
		store:        store,
		counter:      counter,
		template:     tmpl,
		model:        model,
		extraPrompts: extraPrompts,
		locks:        make(map[string]*sessionLock),
	}
}

// StartSession creates a session for a captured identity and returns it with
// the rendered greeting. The greeting is display-only and never persisted.
func (e *Engine) StartSession(ctx context.Context, identity session.Identity) (*session.Session, string, error) {
	identity.UserID = strings.TrimSpace(identity.UserID)
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	if identity.UserID == "" || identity.DisplayName == "" {
		return nil, "", ErrIdentityRequired
	}

	sess, err := e.store.Create(ctx, identity, e.model, e.template.Version)
	if err != nil {
		return nil, "", err
	}
	greeting, err := e.template.RenderGreeting(identity.DisplayName)
	if err != nil {
		return nil, "", err
	}
	logger.L.Info("session created", "session_id", sess.ID, "user_id", identity.UserID, "model", e.model, "prompt_version", e.template.Version)
	return sess, greeting, nil
}

// Session fetches a session by id, for resumption and display replay.
func (e *Engine) Session(ctx context.Context, id string) (*session.Session, error) {
	return e.store.Get(ctx, id)
}

// Process runs one exchange and blocks until it is persisted.
func (e *Engine) Process(ctx context.Context, sessionID, query string) (*Exchange, error) {
	return e.process(ctx, sessionID, query, nil)
}

// ProcessStream is Process with live fragment delivery: onFragment receives
// each reply fragment in arrival order while persistence still waits for the
// complete reply.
func (e *Engine) ProcessStream(ctx context.Context, sessionID, query string, onFragment func(string)) (*Exchange, error) {
	return e.process(ctx, sessionID, query, onFragment)
}

type exchangeContext struct {
	sess          *session.Session
	query         string
	renderedInput string
	reply         string
	userTurn      session.Turn
	assistantTurn session.Turn
	inputTokens   int
	outputTokens  int
	lastError     error
}

func (e *Engine) process(ctx context.Context, sessionID, query string, onFragment func(string)) (*Exchange, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyUtterance
	}

	// One exchange in flight per session: a second utterance waits here
	// until the first one's persistence completes.
	lock := e.lockSession(sessionID)
	defer e.unlockSession(sessionID, lock)

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	fsmCtx := &exchangeContext{sess: sess, query: query}
	fsm := stateless.NewStateMachine(StateAwaitingInput)

	fsm.Configure(StateAwaitingInput).
		Permit(TriggerUserInput, StateGenerating)

	// Generating: render the prompt, call the provider, count tokens.
	// A failure or a caller disconnect leaves the store untouched.
	fsm.Configure(StateGenerating).
		OnEntry(func(ctx context.Context, _ ...any) error {
			rendered, err := e.template.Render(fsmCtx.query, fsmCtx.sess.Transcript, time.Now(), e.extraPrompts)
			if err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(context.WithoutCancel(ctx), TriggerErrorOccurred)
			}
			fsmCtx.renderedInput = rendered

			var reply string
			if onFragment != nil {
				reply, err = e.llmClient.CompleteStream(ctx, e.model, rendered, onFragment)
			} else {
				reply, err = e.llmClient.Complete(ctx, e.model, rendered)
			}
			if err != nil {
				logger.L.Error("completion failed", "session_id", fsmCtx.sess.ID, "error", err)
				fsmCtx.lastError = fmt.Errorf("%w: %v", ErrCompletion, err)
				return fsm.FireCtx(context.WithoutCancel(ctx), TriggerErrorOccurred)
			}
			if err := ctx.Err(); err != nil {
				// Caller abandoned the exchange; it must leave no trace.
				fsmCtx.lastError = err
				return fsm.FireCtx(context.WithoutCancel(ctx), TriggerErrorOccurred)
			}
			fsmCtx.reply = reply

			now := time.Now().UTC()
			fsmCtx.inputTokens = e.countOrZero(fsmCtx.renderedInput)
			fsmCtx.outputTokens = e.countOrZero(reply)
			fsmCtx.userTurn = session.Turn{
				Role:       session.RoleUser,
				Content:    fsmCtx.query,
				TokenCount: e.countOrZero(fsmCtx.query),
				CreatedAt:  now,
			}
			fsmCtx.assistantTurn = session.Turn{
				Role:       session.RoleAssistant,
				Content:    reply,
				TokenCount: fsmCtx.outputTokens,
				CreatedAt:  now,
			}
			return fsm.FireCtx(ctx, TriggerReplyAssembled)
		}).
		Permit(TriggerReplyAssembled, StatePersisting).
		Permit(TriggerErrorOccurred, StateError)

	// Persisting: one atomic append of both turns plus usage. On failure
	// the generated reply is kept in the error path's context; the caller
	// retries persistence-only semantics by resubmitting.
	fsm.Configure(StatePersisting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			err := e.store.AppendExchange(ctx, fsmCtx.sess.ID, fsmCtx.userTurn, fsmCtx.assistantTurn, fsmCtx.inputTokens, fsmCtx.outputTokens)
			if err != nil {
				logger.L.Error("exchange persistence failed", "session_id", fsmCtx.sess.ID, "error", err)
				fsmCtx.lastError = err
				return fsm.FireCtx(context.WithoutCancel(ctx), TriggerErrorOccurred)
			}
			return fsm.FireCtx(ctx, TriggerExchangePersisted)
		}).
		Permit(TriggerExchangePersisted, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateDone)
	fsm.Configure(StateError).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if fsmCtx.lastError == nil {
				fsmCtx.lastError = errors.New("engine: exchange failed without a specific error")
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerUserInput); err != nil {
		if fsmCtx.lastError != nil {
			return nil, fsmCtx.lastError
		}
		return nil, fmt.Errorf("engine: state machine error: %w", err)
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: state machine error: %w", err)
	}
	switch state {
	case StateDone:
		logger.L.Info("exchange persisted",
			"session_id", fsmCtx.sess.ID,
			"input_tokens", fsmCtx.inputTokens,
			"output_tokens", fsmCtx.outputTokens)
		return &Exchange{
			UserTurn:      fsmCtx.userTurn,
			AssistantTurn: fsmCtx.assistantTurn,
			InputTokens:   fsmCtx.inputTokens,
			OutputTokens:  fsmCtx.outputTokens,
		}, nil
	case StateError:
		return nil, fsmCtx.lastError
	default:
		return nil, fmt.Errorf("engine: exchange ended in unexpected state %v", state)
	}
}

// countOrZero degrades token counting to zero on failure. Counts are
// telemetry; an unsupported model must not abort the conversation.
func (e *Engine) countOrZero(text string) int {
	n, err := e.counter.Count(e.model, text)
	if err != nil {
		logger.L.Warn("token counting unavailable", "model", e.model, "error", err)
		return 0
	}
	return n
}

func (e *Engine) lockSession(id string) *sessionLock {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sessionLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) unlockSession(id string, l *sessionLock) {
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
	e.mu.Unlock()
}
