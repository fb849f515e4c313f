// Package reconcile keeps the dashboard's message list: seeded bootstrap
// messages, optimistic local sends and the Message Store's feed merged into
// one deduplicated, ordered list.
package reconcile

import (
	"time"

	"github.com/zulandar/podyard/internal/models"
)

// bootstrapIDs are the client ids of the seeded conversation.
var bootstrapIDs = map[string]bool{"1": true, "2": true, "3": true}

// IsBootstrap reports whether m is one of the seeded messages.
func IsBootstrap(m models.Message) bool {
	return m.ServerID == "" && bootstrapIDs[m.ClientID]
}

// Bootstrap returns the seeded PodA conversation, stamped with now.
func Bootstrap(now time.Time) []models.Message {
	ts := now.Format(models.ReceivedAtLayout)
	return []models.Message{
		{
			ClientID:   "1",
			Sender:     "PodA",
			Target:     models.Operator,
			Text:       "PodA active and sending location update.",
			Location:   "9.9312,76.2673",
			ReceivedAt: ts,
		},
		{
			ClientID:   "2",
			Sender:     models.Operator,
			Target:     "PodA",
			Text:       "Received your update PodA. Monitoring status.",
			ReceivedAt: ts,
		},
		{
			ClientID:   "3",
			Sender:     "PodA",
			Target:     models.Operator,
			Text:       "Battery 85%. Stable connection.",
			Location:   "9.9355,76.2659",
			ReceivedAt: ts,
		},
	}
}

// Merge folds a remote message list into current. The result holds the
// bootstrap messages first, then the rest of current in order, then remote
// messages not already known, in arrival order. A remote message is known
// when its resolved id matches one already in the list, or when it is the
// store's copy of a pending operator send: an operator message echoing the
// client id of a local entry that has no server id yet.
func Merge(current, remote []models.Message) []models.Message {
	merged, _ := merge(current, remote)
	return merged
}

// merge is Merge that also returns the newly added remote messages.
func merge(current, remote []models.Message) (merged, added []models.Message) {
	known := make(map[string]bool, len(current)+len(remote))
	pending := make(map[string]bool)
	var boot, rest []models.Message
	for _, m := range current {
		if IsBootstrap(m) {
			boot = append(boot, m)
		} else {
			rest = append(rest, m)
			if isPending(m) {
				pending[m.ClientID] = true
			}
		}
		if k := m.Key(); k != "" {
			known[k] = true
		}
	}

	for _, m := range remote {
		k := m.Key()
		if k == "" || known[k] {
			continue
		}
		if m.Sender == models.Operator && m.ClientID != "" && pending[m.ClientID] {
			known[k] = true
			continue
		}
		added = append(added, m)
		known[k] = true
	}

	merged = make([]models.Message, 0, len(boot)+len(rest)+len(added))
	merged = append(merged, boot...)
	merged = append(merged, rest...)
	merged = append(merged, added...)
	return merged, added
}

// isPending reports whether m is an optimistic operator send the store has
// not yet echoed back under a server id.
func isPending(m models.Message) bool {
	return m.ServerID == "" && m.ClientID != "" && m.Sender == models.Operator && !IsBootstrap(m)
}
