package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/podyard/internal/models"
)

// Sidebar colors.
const (
	ColorPod      = "#2196f3"
	ColorOperator = "#36a64f"
	ColorWarning  = "#ff9800"
)

// FormatPodMessage renders a message from the Message Store for chat. A
// valid location becomes a map link.
func FormatPodMessage(m models.Message) FormattedEvent {
	evt := FormattedEvent{
		Title: m.Sender,
		Body:  m.Text,
		Color: ColorPod,
	}
	if m.Sender == models.Operator {
		evt.Color = ColorOperator
	}
	if m.Target != "" && m.Target != models.Operator {
		evt.Title = fmt.Sprintf("%s → %s", m.Sender, m.Target)
	}

	if loc, ok := models.ParseLocation(m.Location); ok {
		evt.URL = loc.MapURL()
		evt.Fields = append(evt.Fields, Field{Name: "Location", Value: loc.String(), Short: true})
	} else if m.Location != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Location", Value: "unreadable: " + m.Location, Short: true})
		evt.Color = ColorWarning
	}
	if m.ReceivedAt != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Received", Value: m.ReceivedAt, Short: true})
	}
	return evt
}

// PodMessage wraps a formatted pod message for delivery.
func PodMessage(m models.Message) OutboundMessage {
	return OutboundMessage{
		Text:   fmt.Sprintf("%s: %s", m.Sender, truncate(m.Text, 200)),
		Events: []FormattedEvent{FormatPodMessage(m)},
	}
}

// FormatNodes renders the known pod list.
func FormatNodes(nodes []string) string {
	if len(nodes) == 0 {
		return "No pods have reported yet."
	}
	return "Known pods: " + strings.Join(nodes, ", ")
}

// FormatLocation renders a pod's latest position.
func FormatLocation(node string, loc models.Location, ok bool) string {
	if !ok {
		return fmt.Sprintf("No location reported by %s.", node)
	}
	return fmt.Sprintf("%s last reported %s %s", node, loc, loc.MapURL())
}

// truncate shortens s to maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
