// Package prompt composes the model input for one generation attempt
// from a fixed preamble, retrieved context fragments, conversation
// history and the user's utterance, under a token budget.
//
// The preamble and the utterance are always included whole. When the
// budget is tight the optional parts give way: oldest history turns are
// dropped first, then the lowest-relevance fragments. Within each group
// units are added until the next one would overflow the budget.
package prompt

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/firebase/genkit/go/ai"
)

// DefaultPreamble is the standing instruction sent with every attempt.
const DefaultPreamble = "You are Strand, a concise assistant. Ground your answers in the conversation and the supplied context; when the context does not cover a question, say so instead of guessing."

// DefaultBudget is the default token budget for an assembled prompt.
const DefaultBudget = 6000

const contextHeader = "Relevant context, most relevant first. Use it when it helps; ignore it when it does not:"

// ErrEmptyUtterance is returned when Assemble is given a blank utterance.
var ErrEmptyUtterance = errors.New("utterance is empty")

// Turn roles, matching the persisted message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextFragment is one retrieved piece of context with its provenance
// and relevance score.
type ContextFragment struct {
	Content    string
	Source     string
	Similarity float64
}

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string
	Content string
}

// Prompt is the assembled model input. Tokens is the running estimate
// the budget was applied against; the dropped counts record what the
// budget squeezed out.
type Prompt struct {
	System           string
	Messages         []*ai.Message
	Tokens           int
	DroppedTurns     int
	DroppedFragments int
}

// Assembler builds prompts under a fixed budget.
type Assembler struct {
	preamble string
	budget   int
}

// NewAssembler creates an assembler. An empty preamble selects
// DefaultPreamble, a non-positive budget selects DefaultBudget.
func NewAssembler(preamble string, budget int) *Assembler {
	if preamble == "" {
		preamble = DefaultPreamble
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Assembler{preamble: preamble, budget: budget}
}

// Assemble composes the prompt for one attempt. Fragments may arrive in
// any order; they are ranked by similarity here. History must be in
// chronological order and is trimmed from the oldest end.
func (a *Assembler) Assemble(fragments []ContextFragment, history []Turn, utterance string) (*Prompt, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, ErrEmptyUtterance
	}

	total := EstimateTokens(a.preamble) + EstimateTokens(utterance)
	remaining := a.budget - total

	ranked := make([]ContextFragment, len(fragments))
	copy(ranked, fragments)
	slices.SortStableFunc(ranked, func(x, y ContextFragment) int {
		switch {
		case x.Similarity > y.Similarity:
			return -1
		case x.Similarity < y.Similarity:
			return 1
		default:
			return 0
		}
	})

	var kept []ContextFragment
	for _, f := range ranked {
		cost := EstimateTokens(renderFragment(len(kept)+1, f))
		if cost > remaining {
			break
		}
		kept = append(kept, f)
		remaining -= cost
		total += cost
	}

	// Walk history newest to oldest so the oldest turns are the ones
	// that fall off, then restore chronological order.
	var turns []Turn
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Content)
		if cost > remaining {
			break
		}
		turns = append(turns, history[i])
		remaining -= cost
		total += cost
	}
	slices.Reverse(turns)

	return &Prompt{
		System:           buildSystem(a.preamble, kept),
		Messages:         toMessages(turns, utterance),
		Tokens:           total,
		DroppedTurns:     len(history) - len(turns),
		DroppedFragments: len(ranked) - len(kept),
	}, nil
}

func buildSystem(preamble string, fragments []ContextFragment) string {
	if len(fragments) == 0 {
		return preamble
	}
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\n\n")
	sb.WriteString(contextHeader)
	for i, f := range fragments {
		sb.WriteString("\n\n")
		sb.WriteString(renderFragment(i+1, f))
	}
	return sb.String()
}

func renderFragment(n int, f ContextFragment) string {
	source := f.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("[%d] %s\n%s", n, source, f.Content)
}

func toMessages(turns []Turn, utterance string) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(turns)+1)
	for _, t := range turns {
		if t.Role == RoleAssistant {
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(t.Content)))
		} else {
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(t.Content)))
		}
	}
	return append(msgs, ai.NewUserMessage(ai.NewTextPart(utterance)))
}
