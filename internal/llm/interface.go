package llm

import "context"

// Client is the completion boundary the engine talks to. Implementations
// receive the fully rendered prompt (instructions + serialized transcript +
// new utterance) and return the reply text.
type Client interface {
	// Complete returns the full reply in one shot.
	Complete(ctx context.Context, model, prompt string) (string, error)

	// CompleteStream invokes onFragment for each reply fragment in arrival
	// order and returns the concatenated reply. Fragments are for live
	// display only; callers persist nothing until the full reply is back.
	CompleteStream(ctx context.Context, model, prompt string, onFragment func(string)) (string, error)
}
