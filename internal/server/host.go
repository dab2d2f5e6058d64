package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/ui-bridge/pkg/dispatcher"
	"github.com/morezero/ui-bridge/pkg/events"
	"github.com/morezero/ui-bridge/pkg/transport"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const hostLogPrefix = "server:host"

// HostOpts configures a Host. Nil or zero values use defaults.
type HostOpts struct {
	Codec wire.Codec
	// Transport names the carrier in health output.
	Transport string
	// Mirror receives every publish in addition to the attached sessions.
	Mirror events.Publisher
	// Check probes the carrier for health output; nil reports it healthy.
	Check func(ctx context.Context) error
	// Context is the parent of every handler context.
	Context context.Context
}

// Host owns one dispatcher per UI session, serves the system channel on each
// and broadcasts host events to all of them.
type Host struct {
	codec       wire.Codec
	transport   string
	check       func(ctx context.Context) error
	ctx         context.Context
	started     time.Time
	broadcaster *events.Broadcaster
	publisher   events.Publisher

	mu       sync.Mutex
	sessions map[string]*hostSession
	closed   bool
	watchers sync.WaitGroup
}

type hostSession struct {
	tr       transport.Session
	d        *dispatcher.Dispatcher
	attached time.Time
}

// NewHost creates a Host. Pass nil for opts to use defaults.
func NewHost(opts *HostOpts) *Host {
	h := &Host{
		codec:       wire.JSON,
		transport:   "pipe",
		ctx:         context.Background(),
		started:     time.Now(),
		broadcaster: events.NewBroadcaster(),
		sessions:    make(map[string]*hostSession),
	}
	var mirror events.Publisher
	if opts != nil {
		if opts.Codec != nil {
			h.codec = opts.Codec
		}
		if opts.Transport != "" {
			h.transport = opts.Transport
		}
		if opts.Context != nil {
			h.ctx = opts.Context
		}
		h.check = opts.Check
		mirror = opts.Mirror
	}
	h.publisher = events.MultiPublisher{h.broadcaster, mirror}
	return h
}

// Accept serves a new session until it ends. It installs the session's
// listener before returning.
func (h *Host) Accept(s transport.Session) {
	id := s.ID()
	d := dispatcher.New(s, &dispatcher.Options{Codec: h.codec, Context: h.ctx})
	if err := d.RegisterContract(SystemChannel, &System{host: h, session: id}, SystemContract); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to register system channel for session %s: %v", hostLogPrefix, id, err))
		_ = s.Close()
		return
	}
	d.Start()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		d.Close()
		_ = s.Close()
		return
	}
	if prev, ok := h.sessions[id]; ok {
		slog.Warn(fmt.Sprintf("%s - session %s reconnected, replacing previous connection", hostLogPrefix, id))
		prev.d.Close()
		_ = prev.tr.Close()
	}
	hs := &hostSession{tr: s, d: d, attached: time.Now()}
	h.sessions[id] = hs
	h.watchers.Add(1)
	h.mu.Unlock()

	h.broadcaster.Attach(id, d)
	slog.Info(fmt.Sprintf("%s - Session %s attached (%d active)", hostLogPrefix, id, h.broadcaster.Len()))
	h.announce(id, events.SessionAttached)

	go func() {
		defer h.watchers.Done()
		<-s.Done()
		h.detach(id, hs)
	}()
}

func (h *Host) detach(id string, hs *hostSession) {
	h.mu.Lock()
	current, ok := h.sessions[id]
	if ok && current == hs {
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	hs.d.Close()
	if !ok || current != hs {
		return
	}
	h.broadcaster.Detach(id)
	slog.Info(fmt.Sprintf("%s - Session %s detached (%d active)", hostLogPrefix, id, h.broadcaster.Len()))
	h.announce(id, events.SessionDetached)
}

func (h *Host) announce(id, state string) {
	err := h.Publish(h.ctx, events.TopicSession, &events.SessionEvent{
		Session:   id,
		State:     state,
		Sessions:  h.broadcaster.Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - session %s %s announcement incomplete: %v", hostLogPrefix, id, state, err))
	}
}

// Publish pushes value on topic to every session and the mirror.
func (h *Host) Publish(ctx context.Context, topic string, value any) error {
	return h.publisher.Publish(ctx, topic, value)
}

// Sessions returns the attached session ids, sorted.
func (h *Host) Sessions() []string {
	return h.broadcaster.Sessions()
}

// SessionInfo describes one attached session for status output.
type SessionInfo struct {
	ID       string `json:"id"`
	Attached string `json:"attached"`
}

// SessionInfos returns the attached sessions ordered by id.
func (h *Host) SessionInfos() []SessionInfo {
	h.mu.Lock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for id, hs := range h.sessions {
		out = append(out, SessionInfo{ID: id, Attached: hs.attached.UTC().Format(time.RFC3339)})
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health is the host's health report, served on /health and system.health.
type Health struct {
	Status    string       `json:"status"`
	Transport string       `json:"transport"`
	Codec     string       `json:"codec"`
	Sessions  int          `json:"sessions"`
	Uptime    string       `json:"uptime"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks lists individual probe results.
type HealthChecks struct {
	Transport bool   `json:"transport"`
	Error     string `json:"error,omitempty"`
}

// Health probes the carrier and reports the host's state.
func (h *Host) Health(ctx context.Context) *Health {
	out := &Health{
		Status:    "healthy",
		Transport: h.transport,
		Codec:     h.codec.Name(),
		Sessions:  h.broadcaster.Len(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    HealthChecks{Transport: true},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.check != nil {
		if err := h.check(ctx); err != nil {
			out.Status = "unhealthy"
			out.Checks = HealthChecks{Transport: false, Error: err.Error()}
		}
	}
	return out
}

// RunHeartbeat publishes events.TopicHeartbeat every interval until ctx ends.
// A non-positive interval disables heartbeats.
func (h *Host) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ticker.C:
			seq++
			h.beat(ctx, seq)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) beat(ctx context.Context, seq uint64) {
	err := h.Publish(ctx, events.TopicHeartbeat, &events.Heartbeat{
		Seq:       seq,
		Sessions:  h.broadcaster.Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - heartbeat %d incomplete: %v", hostLogPrefix, seq, err))
	}
}

// Close ends every session and waits until each has been detached.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	open := make([]*hostSession, 0, len(h.sessions))
	for _, hs := range h.sessions {
		open = append(open, hs)
	}
	h.mu.Unlock()

	for _, hs := range open {
		if err := hs.tr.Close(); err != nil {
			slog.Debug(fmt.Sprintf("%s - closing session %s: %v", hostLogPrefix, hs.tr.ID(), err))
		}
	}
	h.watchers.Wait()
}
