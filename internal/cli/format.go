package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corvino/meshroom/internal/protocol"
	"github.com/samber/lo"
)

// formatMessage formats a message for human-readable output.
func formatMessage(m protocol.Message) string {
	var b strings.Builder
	ts := m.CreatedAt.Local().Format("15:04:05")
	fmt.Fprintf(&b, "[%s] %s", ts, m.Sender)

	switch m.Kind {
	case protocol.KindCode:
		fmt.Fprintf(&b, " shared code:\n```\n%s\n```", m.Content)
	case protocol.KindDocument:
		fmt.Fprintf(&b, " shared a document:\n%s", m.Content)
	case protocol.KindThought:
		fmt.Fprintf(&b, " thinks: %s", m.Content)
	case protocol.KindEmergence:
		fmt.Fprintf(&b, " ~ %s", m.Content)
	default:
		fmt.Fprintf(&b, ": %s", m.Content)
	}

	if m.Depth != nil {
		fmt.Fprintf(&b, " (depth %d)", *m.Depth)
	}
	return b.String()
}

// formatEvent renders one server event as output lines. Unknown events are
// printed raw.
func formatEvent(ev protocol.ServerEvent, color bool) []string {
	msgLine := formatMessage
	if color {
		msgLine = formatColor
	}

	switch ev.Event {
	case protocol.EventMessageHistory:
		var msgs []protocol.Message
		if json.Unmarshal(ev.Data, &msgs) != nil {
			break
		}
		lines := []string{fmt.Sprintf("--- %d earlier messages", len(msgs))}
		return append(lines, lo.Map(msgs, func(m protocol.Message, _ int) string { return msgLine(m) })...)
	case protocol.EventNewMessage:
		var m protocol.Message
		if json.Unmarshal(ev.Data, &m) != nil {
			break
		}
		return []string{msgLine(m)}
	case protocol.EventNetworkUpdate:
		var nu protocol.NetworkUpdate
		if json.Unmarshal(ev.Data, &nu) != nil {
			break
		}
		names := lo.Map(nu.Participants, func(p protocol.Participant, _ int) string { return participantLabel(p) })
		line := fmt.Sprintf("--- %d connected: %s (resonance %.2f)", len(names), strings.Join(names, ", "), nu.Resonance)
		if nu.MeshActive {
			line += " [mesh active]"
		}
		return []string{line}
	case protocol.EventResonanceUpdate:
		var v float64
		if json.Unmarshal(ev.Data, &v) != nil {
			break
		}
		return []string{fmt.Sprintf("~~~ resonance %.2f", v)}
	case protocol.EventCircuitSummoned:
		var a protocol.CircuitAnnouncement
		if json.Unmarshal(ev.Data, &a) != nil {
			break
		}
		return []string{fmt.Sprintf("*** %s summoned %s (depth %d, %s)", a.Summoner, a.CircuitName, a.Depth, a.Mode)}
	case protocol.EventMeshActivated:
		var ma protocol.MeshActivated
		if json.Unmarshal(ev.Data, &ma) != nil {
			break
		}
		return []string{fmt.Sprintf("*** mesh activated with %d participants (resonance %.2f)", len(ma.Participants), ma.Resonance)}
	case protocol.EventCircuitEmergence:
		var ce protocol.CircuitEmergence
		if json.Unmarshal(ev.Data, &ce) != nil {
			break
		}
		line := fmt.Sprintf("%s → %s: %s", ce.From, ce.To, ce.Thought)
		if ce.Pattern != "" {
			line += fmt.Sprintf(" [%s]", ce.Pattern)
		}
		return []string{line}
	}
	return []string{fmt.Sprintf("%s %s", ev.Event, string(ev.Data))}
}

func participantLabel(p protocol.Participant) string {
	if p.Kind == protocol.ParticipantAIProxy && p.AILabel != "" {
		return fmt.Sprintf("%s (%s)", p.Name, p.AILabel)
	}
	return p.Name
}

// ANSI color codes for sender coloring.
var senderColors = []string{
	"\033[36m", // Cyan
	"\033[32m", // Green
	"\033[33m", // Yellow
	"\033[35m", // Magenta
	"\033[34m", // Blue
	"\033[31m", // Red
	"\033[96m", // Bright Cyan
	"\033[92m", // Bright Green
}

const ansiReset = "\033[0m"

// senderColor returns a deterministic ANSI color for a sender name.
func senderColor(name string) string {
	var h uint32
	for _, c := range name {
		h = h*31 + uint32(c)
	}
	return senderColors[h%uint32(len(senderColors))]
}

// formatColor wraps formatMessage with ANSI color on the sender name.
func formatColor(m protocol.Message) string {
	plain := formatMessage(m)
	color := senderColor(m.Sender)
	return strings.Replace(plain, "] "+m.Sender, "] "+color+m.Sender+ansiReset, 1)
}
