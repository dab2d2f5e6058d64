// Package server orchestrates the bridge host: transport acceptor, per-session
// dispatchers, heartbeat and the HTTP health and websocket endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/ui-bridge/internal/config"
	"github.com/morezero/ui-bridge/pkg/commsutil"
	"github.com/morezero/ui-bridge/pkg/db"
	"github.com/morezero/ui-bridge/pkg/events"
	"github.com/morezero/ui-bridge/pkg/transport/natsbus"
	"github.com/morezero/ui-bridge/pkg/transport/pgnotify"
	"github.com/morezero/ui-bridge/pkg/transport/wsconn"
	"github.com/morezero/ui-bridge/pkg/wire"
)

const logPrefix = "server:server"

// Server is the ui-bridge host orchestrator.
type Server struct {
	cfg        *config.Config
	codec      wire.Codec
	host       *Host
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
}

// SetupLogging installs the default slog handler at the configured level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	codec, err := cfg.WireCodec()
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting ui-bridge (transport=%s codec=%s)", logPrefix, cfg.Transport, codec.Name()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg, codec: codec}
	hostOpts := &HostOpts{Codec: codec, Transport: cfg.Transport, Context: ctx}

	// Step 1: Connect the carrier
	switch cfg.Transport {
	case config.TransportNATS:
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, nil)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.nc = nc
		hostOpts.Check = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats connection %s", nc.Status())
			}
			return nil
		}
		hostOpts.Mirror = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Prefix: cfg.SubjectPrefix, Codec: codec})
	case config.TransportPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, &db.PoolOpts{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool
		hostOpts.Check = pool.Ping
	}

	s.host = NewHost(hostOpts)

	// Step 2: Accept sessions
	var stopAccepting func() error
	switch cfg.Transport {
	case config.TransportNATS:
		l, err := natsbus.Listen(s.nc, &natsbus.ListenerOpts{Prefix: cfg.SubjectPrefix, Queue: cfg.COMMSName}, func(c *natsbus.Conn) {
			s.host.Accept(c)
		})
		if err != nil {
			s.closeCarrier()
			return fmt.Errorf("%s - failed to listen for sessions: %w", logPrefix, err)
		}
		stopAccepting = l.Close
	case config.TransportPostgres:
		l, err := pgnotify.Listen(ctx, s.pool, &pgnotify.ListenerOpts{
			Prefix: cfg.PGChannelPrefix,
			Binary: codec.Name() != wire.JSON.Name(),
		}, func(c *pgnotify.Conn) {
			s.host.Accept(c)
		})
		if err != nil {
			s.closeCarrier()
			return fmt.Errorf("%s - failed to listen for sessions: %w", logPrefix, err)
		}
		stopAccepting = l.Close
	}

	// Step 3: Start HTTP server (health, status page and, for websocket, the bridge endpoint)
	httpAddr := cfg.ListenAddr()
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	// Step 4: Heartbeat
	go s.host.RunHeartbeat(ctx, cfg.HeartbeatInterval)

	slog.Info(fmt.Sprintf("%s - ui-bridge is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	if stopAccepting != nil {
		if err := stopAccepting(); err != nil {
			slog.Warn(fmt.Sprintf("%s - stop accepting: %v", logPrefix, err))
		}
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout)
	defer cancelShutdown()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}
	s.host.Close()
	cancel()
	s.closeCarrier()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) closeCarrier() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/connection", s.handleConnection())
	if s.cfg.Transport == config.TransportWebsocket {
		mux.Handle(s.cfg.WSPath, wsconn.Handler(&wsconn.HandlerOpts{
			Codec:        s.codec,
			PingInterval: s.cfg.WSPingInterval,
		}, func(c *wsconn.Conn) {
			s.host.Accept(c)
		}))
	}
	return mux
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.host.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

// connectionInfo tells a UI how to reach this host.
type connectionInfo struct {
	Transport     string `json:"transport"`
	Codec         string `json:"codec"`
	WSPath        string `json:"wsPath,omitempty"`
	Subprotocol   string `json:"subprotocol,omitempty"`
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
	NatsURL       string `json:"natsUrl,omitempty"`
	ChannelPrefix string `json:"channelPrefix,omitempty"`
}

func (s *Server) handleConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		info := connectionInfo{Transport: s.cfg.Transport, Codec: s.codec.Name()}
		switch s.cfg.Transport {
		case config.TransportWebsocket:
			info.WSPath = s.cfg.WSPath
			info.Subprotocol = wsconn.Subprotocol(s.codec)
		case config.TransportNATS:
			info.SubjectPrefix = s.cfg.SubjectPrefix
			info.NatsURL = s.cfg.COMMSURL
		case config.TransportPostgres:
			info.ChannelPrefix = s.cfg.PGChannelPrefix
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

// homePageTemplate is the HTML for the host status page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>UI Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>UI Bridge</h1>
  <p class="meta">Transport {{.Health.Transport}}, codec {{.Health.Codec}}, up {{.Health.Uptime}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{if .Health.Checks.Error}}<p>Transport: {{.Health.Checks.Error}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Sessions</h2>
    {{if not .Sessions}}
    <p>No sessions attached.</p>
    {{else}}
    <table>
      <thead><tr><th>Session</th><th>Attached</th></tr></thead>
      <tbody>
        {{range .Sessions}}<tr><td>{{.ID}}</td><td>{{.Attached}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Channels</h2>
    <table>
      <thead><tr><th>Channel</th><th>Version</th><th>Methods</th></tr></thead>
      <tbody>
        {{range .Channels}}<tr><td>{{.Channel}}</td><td>{{.Version}}</td><td>{{range .Methods}}{{.}} {{end}}</td></tr>
        {{end}}
      </tbody>
    </table>
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health   *Health
	Sessions []SessionInfo
	Channels []*contractView
}

type contractView struct {
	Channel string
	Version string
	Methods []string
}

// handleHome returns an HTTP handler for the host status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		system := SystemContract.Describe(SystemChannel)
		data := homeData{
			Health:   s.host.Health(ctx),
			Sessions: s.host.SessionInfos(),
			Channels: []*contractView{{Channel: system.Channel, Version: system.Version, Methods: system.Methods}},
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
