package agent

import (
	"context"
	"iter"
)

// Backend sends prompts to a conversational backend.
type Backend interface {
	// SessionPolicy reports who assigns conversation IDs for this backend.
	SessionPolicy() SessionPolicy

	// Send delivers req and yields reply events. A successful call yields
	// zero or more EventToken events followed by exactly one EventResult.
	// Any error ends the sequence.
	Send(ctx context.Context, req Request) iter.Seq2[*Event, error]
}

// Ensure both clients implement Backend.
var (
	_ Backend = (*PredictionClient)(nil)
	_ Backend = (*CustomClient)(nil)
)
