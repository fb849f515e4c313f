package reconcile

import "github.com/zulandar/podyard/internal/models"

// ForNode returns, in list order, the messages node sent and the messages
// the operator sent to node.
func ForNode(msgs []models.Message, node string) []models.Message {
	var out []models.Message
	for _, m := range msgs {
		if m.Sender == node || m.Outgoing(node) {
			out = append(out, m)
		}
	}
	return out
}

// LatestLocation scans node's messages newest first and returns the first
// location that parses. Unparseable locations are skipped.
func LatestLocation(msgs []models.Message, node string) (models.Location, bool) {
	nodeMsgs := ForNode(msgs, node)
	for i := len(nodeMsgs) - 1; i >= 0; i-- {
		if nodeMsgs[i].Location == "" {
			continue
		}
		if loc, ok := models.ParseLocation(nodeMsgs[i].Location); ok {
			return loc, true
		}
	}
	return models.Location{}, false
}

// DistinctNodes lists every sender and target other than the operator, in
// order of first appearance.
func DistinctNodes(msgs []models.Message) []string {
	seen := make(map[string]bool)
	var nodes []string
	add := func(n string) {
		if n == "" || n == models.Operator || seen[n] {
			return
		}
		seen[n] = true
		nodes = append(nodes, n)
	}
	for _, m := range msgs {
		add(m.Sender)
		add(m.Target)
	}
	return nodes
}
