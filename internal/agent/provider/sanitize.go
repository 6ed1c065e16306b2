package provider

import (
	"github.com/hearthlabs/hearth/internal/agent/chat"
)

const orphanToolCallNote = "[tool calls without results — trimmed]"

// Sanitize repairs a message stream for strict backends that reject
// unmatched tool_use/tool_result pairs. Trimming and compaction can cut
// a conversation mid-exchange; this puts it back into a legal shape:
//
//  1. assistant tool calls keep only the results that immediately follow
//     and share an id,
//  2. assistant tool calls with no surviving results are demoted to text,
//  3. tool results with no preceding call are dropped,
//  4. consecutive same-role turns merge into one.
//
// Sanitize is idempotent: a clean stream passes through unchanged.
func Sanitize(ms []chat.Message) []chat.Message {
	paired := pairToolExchanges(ms)
	return mergeSameRole(paired)
}

func pairToolExchanges(ms []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(ms))

	for i := 0; i < len(ms); i++ {
		m := ms[i]

		if m.Role == chat.RoleAssistant && m.HasToolCalls() {
			// collect the run of tool results immediately following
			results := map[string]bool{}
			j := i + 1
			for j < len(ms) && ms[j].Role == chat.RoleTool {
				results[ms[j].ToolCallID] = true
				j++
			}

			kept := m.ToolCalls[:0:0]
			for _, call := range m.ToolCalls {
				if results[call.ID] {
					kept = append(kept, call)
				}
			}

			if len(kept) == 0 {
				// demote: the calls lost their results to trimming
				text := m.Content
				if text != "" {
					text += "\n"
				}
				out = append(out, chat.Message{Role: chat.RoleAssistant, Content: text + orphanToolCallNote})
				// skip without consuming the following tool run (none matched)
				continue
			}

			m.ToolCalls = kept
			out = append(out, m)

			// keep only results answering a surviving call
			answered := map[string]bool{}
			for _, call := range kept {
				answered[call.ID] = true
			}
			for ; i+1 < len(ms) && ms[i+1].Role == chat.RoleTool; i++ {
				if answered[ms[i+1].ToolCallID] {
					out = append(out, ms[i+1])
				}
			}
			continue
		}

		if m.Role == chat.RoleTool {
			// orphan result: no assistant call precedes it
			continue
		}

		out = append(out, m)
	}
	return out
}

func mergeSameRole(ms []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(ms))
	for _, m := range ms {
		if len(out) == 0 {
			out = append(out, m)
			continue
		}
		last := &out[len(out)-1]
		// tool exchanges are structural; never merge them
		mergeable := m.Role == last.Role &&
			m.Role != chat.RoleTool &&
			!m.HasToolCalls() && !last.HasToolCalls()
		if mergeable {
			if last.Content != "" && m.Content != "" {
				last.Content += "\n\n" + m.Content
			} else {
				last.Content += m.Content
			}
			if last.Image == nil {
				last.Image = m.Image
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
