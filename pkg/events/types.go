// Package events defines the push payloads the host emits and the publishers
// that deliver them to UI sessions and the bus.
package events

import "strings"

// Well-known push topics.
const (
	TopicHeartbeat = "system.heartbeat"
	TopicSession   = "system.session"
)

// Session states carried by SessionEvent.
const (
	SessionAttached = "attached"
	SessionDetached = "detached"
)

// Heartbeat is pushed periodically so UIs can detect a stalled host.
type Heartbeat struct {
	Seq       uint64 `json:"seq"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

// SessionEvent announces a UI session joining or leaving the host.
type SessionEvent struct {
	Session   string `json:"session"`
	State     string `json:"state"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

// BuildTopic joins non-empty parts into a dotted push topic.
func BuildTopic(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "."); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}
