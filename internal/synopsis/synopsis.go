// Package synopsis renders a session transcript as a markdown digest.
package synopsis

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/corvino/meshroom/internal/protocol"
	"github.com/samber/lo"
)

// Build creates a markdown digest from recent messages and the session
// status at the time of the snapshot.
func Build(messages []protocol.Message, st protocol.StatusResponse, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Meshroom Digest: %s\n\n", now.Local().Format("2006-01-02 15:04"))

	senders := lo.Uniq(lo.Map(messages, func(m protocol.Message, _ int) string { return m.Sender }))
	slices.Sort(senders)
	fmt.Fprintf(&b, "**Senders**: %s\n", strings.Join(senders, ", "))

	if len(messages) > 0 {
		first := messages[0].CreatedAt.Local().Format("15:04:05")
		last := messages[len(messages)-1].CreatedAt.Local().Format("15:04:05")
		fmt.Fprintf(&b, "**Time range**: %s to %s\n", first, last)
	}
	fmt.Fprintf(&b, "**Messages**: %d\n", len(messages))
	fmt.Fprintf(&b, "**Resonance**: %.2f", st.Resonance)
	if st.MeshActive {
		b.WriteString(" (mesh active)")
	}
	b.WriteString("\n")

	counts := lo.CountValuesBy(messages, func(m protocol.Message) protocol.MessageKind { return m.Kind })
	kinds := lo.Keys(counts)
	slices.Sort(kinds)
	if len(kinds) > 0 {
		parts := lo.Map(kinds, func(k protocol.MessageKind, _ int) string {
			return fmt.Sprintf("%s %d", k, counts[k])
		})
		fmt.Fprintf(&b, "**By type**: %s\n", strings.Join(parts, ", "))
	}

	fmt.Fprintf(&b, "\n---\n\n## Transcript\n\n")

	for _, m := range messages {
		ts := m.CreatedAt.Local().Format("15:04:05")
		sender := fmt.Sprintf("**%s**", m.Sender)

		switch m.Kind {
		case protocol.KindCode:
			fmt.Fprintf(&b, "[%s] %s shared code:\n```\n%s\n```", ts, sender, m.Content)
		case protocol.KindDocument:
			fmt.Fprintf(&b, "[%s] %s shared a document:\n\n> %s", ts, sender, strings.ReplaceAll(m.Content, "\n", "\n> "))
		case protocol.KindThought, protocol.KindEmergence:
			fmt.Fprintf(&b, "[%s] %s *(%s)*: %s", ts, sender, m.Kind, m.Content)
		default:
			fmt.Fprintf(&b, "[%s] %s: %s", ts, sender, m.Content)
		}
		if m.Depth != nil {
			fmt.Fprintf(&b, " *(depth %d)*", *m.Depth)
		}
		fmt.Fprintf(&b, "\n\n")
	}

	fmt.Fprintf(&b, "---\n\n## Insights\n\n")
	fmt.Fprintf(&b, "*Add your key takeaways, decisions, and action items here.*\n\n")
	fmt.Fprintf(&b, "- \n")

	return b.String()
}
