package convo

import (
	"fmt"
	"strings"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/logging"
)

// defaultIdentity stands in until the owner writes a persona document
// (update_identity stores it).
const defaultIdentity = `You are Hearth, a personal assistant that lives with its owner.
Be helpful, direct, and careful with private information. Keep replies short
unless detail is asked for, and use your tools instead of guessing.`

const groupStanza = `You are in a group chat. Every reply is visible to everyone here, so treat
all participants as strangers: no private memories, no personal details, no
owner-only operations. Stay brief and only respond when you are addressed.`

// buildPrompt composes the system prompt for one conversation: identity,
// stored rules, the tool and ability surface at the caller's level,
// broken-ability notes for self-healing, and the group stanza when the
// chat is shared.
func (m *Manager) buildPrompt(level access.Level, isGroup bool, extra string) string {
	var b strings.Builder

	identity, err := m.store.GetIdentity()
	if err != nil {
		logging.L.WithError(err).Warn("could not load identity")
	}
	if strings.TrimSpace(identity) == "" {
		identity = defaultIdentity
	}
	b.WriteString(strings.TrimSpace(identity))

	if rules, err := m.store.ListRules(); err != nil {
		logging.L.WithError(err).Warn("could not load rules")
	} else if len(rules) > 0 {
		b.WriteString("\n\n## Operating rules\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s: %s\n", r.Name, strings.TrimSpace(r.Body))
		}
	}

	var toolNames []string
	for _, def := range m.tools.SchemasForLevel(level) {
		toolNames = append(toolNames, def.Name)
	}
	if len(toolNames) > 0 {
		b.WriteString("\n## Tools\n")
		b.WriteString("Your only tools are: " + strings.Join(toolNames, ", ") + ". ")
		b.WriteString("Tool names are case-sensitive; never call anything not in this list.\n")
	}

	if guides := m.abilities.Guides(level); guides != "" {
		b.WriteString("\n## Abilities\n")
		b.WriteString(guides)
		b.WriteString("\n")
	}

	if broken := m.abilities.Broken(); len(broken) > 0 {
		b.WriteString("\n## Broken abilities\n")
		b.WriteString("These failed to load and are unavailable until fixed:\n")
		for _, br := range broken {
			fmt.Fprintf(&b, "- %s (%s): %s\n", br.Name, br.Path, br.Reason)
		}
	}

	if isGroup {
		b.WriteString("\n\n" + groupStanza)
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\n\n" + extra)
	}
	return b.String()
}

// WorkerPrompt is the base prompt handed to sub-agent workers. Workers
// run at owner tier in a private context; the sub-agent manager appends
// its own privileges stanza.
func (m *Manager) WorkerPrompt() string {
	return m.buildPrompt(access.Owner, false, "")
}
