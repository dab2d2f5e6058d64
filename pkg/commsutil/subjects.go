package commsutil

import (
	"fmt"
	"strings"
)

// DefaultPrefix roots every bridge subject unless BRIDGE_SUBJECT_PREFIX
// overrides it.
const DefaultPrefix = "bridge"

// Subject layout:
//
//	<prefix>.connect            session announcements (request/reply)
//	<prefix>.<session>.host     frames travelling UI -> host
//	<prefix>.<session>.ui       frames travelling host -> UI
//	<prefix>.events.<topic>     host pushes mirrored for bus observers

// BuildConnectSubject returns the subject on which UIs announce new sessions.
func BuildConnectSubject(prefix string) string {
	return prefix + ".connect"
}

// BuildHostSubject returns the subject the host listens on for session.
func BuildHostSubject(prefix, session string) string {
	return fmt.Sprintf("%s.%s.host", prefix, session)
}

// BuildUISubject returns the subject the UI listens on for session.
func BuildUISubject(prefix, session string) string {
	return fmt.Sprintf("%s.%s.ui", prefix, session)
}

// BuildEventSubject returns the mirror subject for a push topic. Topics are
// dotted already, so they extend the subject hierarchy as-is.
func BuildEventSubject(prefix, topic string) string {
	return fmt.Sprintf("%s.events.%s", prefix, topic)
}

// ValidateToken checks that s can be used as a single subject token.
func ValidateToken(s string) error {
	if s == "" {
		return fmt.Errorf("%s - empty subject token", logPrefix)
	}
	if strings.ContainsAny(s, ".*> \t\r\n") {
		return fmt.Errorf("%s - invalid subject token %q", logPrefix, s)
	}
	return nil
}

// ValidatePrefix checks a dotted subject prefix token by token.
func ValidatePrefix(prefix string) error {
	for _, tok := range strings.Split(prefix, ".") {
		if err := ValidateToken(tok); err != nil {
			return fmt.Errorf("%s - prefix %q: %w", logPrefix, prefix, err)
		}
	}
	return nil
}
