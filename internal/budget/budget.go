// Package budget allocates a model's context window across the fixed prompt
// parts, retrieved document chunks, and conversation history.
//
// The planner works purely on token counts; it never sees prompt text, which
// keeps it tokenizer- and provider-agnostic.
package budget

import (
	"errors"
	"fmt"
)

// ErrPromptTooLong is returned when the non-truncatable prompt parts alone
// exceed the context window. The request cannot be served and must be
// surfaced to the caller, never silently trimmed.
var ErrPromptTooLong = errors.New("prompt exceeds model context window")

// Input carries the token counts for one planning run. Chunks are in
// relevance order, most relevant first; history turns are most recent first.
type Input struct {
	ContextWindow    int
	ReservedResponse int
	System           int
	Query            int
	Attachments      int
	Chunks           []int
	History          []int
}

// Plan is the result of one truncation computation. IncludedChunks and
// IncludedHistory are prefix lengths of the corresponding Input slices.
type Plan struct {
	System           int
	Query            int
	Attachments      int
	ReservedResponse int
	IncludedChunks   int
	IncludedHistory  int
	Remaining        int
	Truncated        bool
}

// Compute distributes the context window: the fixed parts are taken as given,
// then chunks are admitted in relevance order and history turns most recent
// first, each list stopping at the first entry that does not fit. Relevance
// and recency order are authoritative; later smaller entries are not
// considered once an entry has been rejected.
func Compute(in Input) (Plan, error) {
	base := in.System + in.Query + in.Attachments + in.ReservedResponse
	if base > in.ContextWindow {
		return Plan{}, fmt.Errorf("%w: base %d tokens, window %d", ErrPromptTooLong, base, in.ContextWindow)
	}

	remaining := in.ContextWindow - base
	truncated := false

	chunks := 0
	for _, tokens := range in.Chunks {
		if tokens > remaining {
			truncated = true
			break
		}
		remaining -= tokens
		chunks++
	}

	history := 0
	for _, tokens := range in.History {
		if tokens > remaining {
			truncated = true
			break
		}
		remaining -= tokens
		history++
	}

	return Plan{
		System:           in.System,
		Query:            in.Query,
		Attachments:      in.Attachments,
		ReservedResponse: in.ReservedResponse,
		IncludedChunks:   chunks,
		IncludedHistory:  history,
		Remaining:        remaining,
		Truncated:        truncated,
	}, nil
}

// IncludedTokens returns the total token count the plan admits into the
// request, reserved response space included.
func (p Plan) IncludedTokens(in Input) int {
	total := p.System + p.Query + p.Attachments + p.ReservedResponse
	for _, tokens := range in.Chunks[:p.IncludedChunks] {
		total += tokens
	}
	for _, tokens := range in.History[:p.IncludedHistory] {
		total += tokens
	}
	return total
}
