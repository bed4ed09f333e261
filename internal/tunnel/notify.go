package tunnel

import "github.com/ChuLiYu/scout-runtime/internal/notification"

// ToWire converts queued notifications to their wire form. A Message
// travels as its body; other notifications travel whole.
func ToWire(ns []notification.Notification) []WireNotification {
	out := make([]WireNotification, 0, len(ns))
	for _, n := range ns {
		w := WireNotification{Kind: notification.KindOf(n)}
		if m, ok := n.(*notification.Message); ok {
			w.Body = m.Body
		} else {
			w.Body = n
		}
		out = append(out, w)
	}
	return out
}
