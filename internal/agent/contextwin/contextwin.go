// Package contextwin does token-budget accounting for conversations:
// estimating message cost, splitting the window into system/memory/
// history budgets, and trimming assembled contexts to fit.
package contextwin

import (
	"github.com/hearthlabs/hearth/internal/agent/chat"
)

// Chars-per-token divisor for the estimate. Close enough across the
// supported models that a fixed ratio beats carting a tokenizer around.
const charsPerToken = 3.5

// perMessageOverhead covers role markers and framing per message.
const perMessageOverhead = 4

// Default budget fractions of the available window.
const (
	DefaultSystemFrac  = 0.15
	DefaultMemoryFrac  = 0.10
	DefaultHistoryFrac = 0.65
)

// EstimateText approximates the token cost of a string.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return int(float64(len(s))/charsPerToken) + 1
}

// EstimateMessage approximates one message including tool payloads.
func EstimateMessage(m chat.Message) int {
	chars := len(m.Content)
	for _, call := range m.ToolCalls {
		chars += len(call.Name) + len(call.Args)
	}
	if m.Image != nil {
		// images are stripped before provider send; count the reference only
		chars += len(m.Image.MIME)
	}
	return int(float64(chars)/charsPerToken) + perMessageOverhead
}

// EstimateMessages sums the whole list.
func EstimateMessages(ms []chat.Message) int {
	total := 0
	for _, m := range ms {
		total += EstimateMessage(m)
	}
	return total
}

// Window is the budget layout for one provider's context.
type Window struct {
	MaxContext     int
	ReservedOutput int
}

// Available is the input budget: context minus reserved output.
func (w Window) Available() int {
	n := w.MaxContext - w.ReservedOutput
	if n < 0 {
		return 0
	}
	return n
}

// SystemBudget is the token allowance for the system prompt block.
func (w Window) SystemBudget() int {
	return int(float64(w.Available()) * DefaultSystemFrac)
}

// MemoryBudget is the allowance for recalled memories.
func (w Window) MemoryBudget() int {
	return int(float64(w.Available()) * DefaultMemoryFrac)
}

// HistoryBudget is the allowance for prior turns.
func (w Window) HistoryBudget() int {
	return int(float64(w.Available()) * DefaultHistoryFrac)
}

// ShouldCompact reports whether the history estimate crosses frac of the
// available window. The engine calls this pre-flight with 0.90.
func (w Window) ShouldCompact(ms []chat.Message, frac float64) bool {
	if frac <= 0 {
		frac = 0.90
	}
	return EstimateMessages(ms) > int(float64(w.Available())*frac)
}

// truncateToTokens cuts a string to the char equivalent of a token budget.
func truncateToTokens(s string, tokens int) string {
	maxChars := int(float64(tokens) * charsPerToken)
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 0 {
		return ""
	}
	return s[:maxChars]
}

// Trim fits an assembled context into the window. It preserves the
// leading system block (truncated to its budget when oversized) and the
// final user turn, then keeps as many most-recent history turns as the
// history budget allows, dropping from the oldest forward.
func (w Window) Trim(ms []chat.Message) []chat.Message {
	if len(ms) == 0 {
		return ms
	}

	// leading run of system messages
	sysEnd := 0
	for sysEnd < len(ms) && ms[sysEnd].Role == chat.RoleSystem {
		sysEnd++
	}
	system := make([]chat.Message, sysEnd)
	copy(system, ms[:sysEnd])

	sysBudget := w.SystemBudget()
	if used := EstimateMessages(system); used > sysBudget {
		// oversized prompt: truncate the largest block rather than drop it
		largest := 0
		for i := range system {
			if len(system[i].Content) > len(system[largest].Content) {
				largest = i
			}
		}
		over := used - sysBudget
		keep := EstimateText(system[largest].Content) - over
		system[largest].Content = truncateToTokens(system[largest].Content, keep)
	}

	rest := ms[sysEnd:]
	if len(rest) == 0 {
		return system
	}

	var final *chat.Message
	if last := rest[len(rest)-1]; last.Role == chat.RoleUser {
		final = &last
		rest = rest[:len(rest)-1]
	}

	budget := w.HistoryBudget()
	if final != nil {
		budget -= EstimateMessage(*final)
	}

	kept := make([]chat.Message, 0, len(rest))
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := EstimateMessage(rest[i])
		if used+cost > budget {
			break
		}
		kept = append(kept, rest[i])
		used += cost
	}
	// reverse back to chronological order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	out := append(system, kept...)
	if final != nil {
		out = append(out, *final)
	}
	return out
}
