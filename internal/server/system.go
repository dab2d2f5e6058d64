package server

import (
	"context"
	"time"

	"github.com/morezero/ui-bridge/pkg/contract"
)

// SystemChannel is served on every session.
const SystemChannel = "system"

// SystemContract describes the system channel.
var SystemContract = contract.Contract{
	Version: "1.0.0",
	Methods: []string{"ping", "echo", "time", "sessions", "session", "health"},
}

// System is the built-in target for SystemChannel.
type System struct {
	host    *Host
	session string
}

// Ping answers "pong".
func (s *System) Ping() string { return "pong" }

// Echo returns its argument unchanged.
func (s *System) Echo(v any) any { return v }

// Time returns the host's clock in RFC 3339 format, UTC.
func (s *System) Time() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Sessions lists the attached session ids.
func (s *System) Sessions() []string { return s.host.Sessions() }

// Session returns the calling session's own id.
func (s *System) Session() string { return s.session }

// Health reports the host's health.
func (s *System) Health(ctx context.Context) *Health { return s.host.Health(ctx) }
