package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/skybeam/groundstation/internal/debug"
	"github.com/skybeam/groundstation/internal/statestore"
	"github.com/skybeam/groundstation/internal/supervisor"
)

const (
	telemetryInterval = 1 * time.Second
	writeTimeout      = 15 * time.Second
)

// Options configures the HTTP/WebSocket listener.
type Options struct {
	Host string
	Port int
}

// Server hosts the snapshot API and the live state stream.
type Server struct {
	store      *statestore.Store
	sup        *supervisor.Supervisor
	hub        *Hub
	httpServer *http.Server
	host       string
	port       int
}

// New builds the server and registers the hub as the store's broadcast
// hook.
func New(store *statestore.Store, sup *supervisor.Supervisor, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port <= 0 {
		port = 8800
	}

	srv := &Server{
		store: store,
		sup:   sup,
		hub:   NewHub(),
		host:  host,
		port:  port,
	}
	store.SetBroadcast(srv.hub.Broadcast)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/events", srv.handleEvents)
	mux.HandleFunc("GET /api/errors", srv.handleErrors)
	mux.HandleFunc("POST /api/start", srv.handleStart)
	mux.HandleFunc("POST /api/stop", srv.handleStop)
	mux.HandleFunc("GET /ws", srv.handleStream)

	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Addr returns the host:port the server binds.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Start begins serving in a background goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("wsbridge: listen %s: %w", srv.Addr(), err)
	}
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("wsbridge", "serve stopped", "err", err)
		}
	}()
	debug.LogKV("wsbridge", "listening", "addr", srv.Addr())
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Status          statestore.Status    `json:"status"`
	Session         *statestore.Session  `json:"session,omitempty"`
	SessionDuration float64              `json:"session_duration_s"`
	Telemetry       statestore.Telemetry `json:"telemetry"`
	Processes       map[string]*int      `json:"processes"`
	RTTP95          float64              `json:"rtt_p95_ms"`
	RTTP99          float64              `json:"rtt_p99_ms"`
	StreamClients   int                  `json:"stream_clients"`
}

func (srv *Server) statusSnapshot() statusResponse {
	p95, p99 := srv.store.RTTPercentiles()
	return statusResponse{
		Status:          srv.store.Status(),
		Session:         srv.store.CurrentSession(),
		SessionDuration: srv.store.SessionDuration().Seconds(),
		Telemetry:       srv.store.TelemetrySnapshot(),
		Processes:       srv.sup.ProcessPIDs(),
		RTTP95:          p95,
		RTTP99:          p99,
		StreamClients:   srv.hub.ClientCount(),
	}
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.statusSnapshot())
}

func (srv *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.store.RecentEvents(parseLimit(r, 100)))
}

func (srv *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.store.RecentErrors(parseLimit(r, 50)))
}

func (srv *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	params := supervisor.DefaultRampParams()
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	sessionID, err := srv.sup.StartAll(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (srv *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	srv.sup.StopAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": string(srv.store.Status())})
}

// handleStream upgrades to WebSocket and forwards hub frames plus a
// periodic telemetry snapshot until the client goes away.
func (srv *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	client := srv.hub.register()
	defer srv.hub.unregister(client)

	// Snapshot first so a fresh client renders without waiting for the
	// next mutation.
	if frame, err := json.Marshal(envelope{Type: "status", Data: srv.statusSnapshot()}); err == nil {
		if err := srv.writeFrame(ctx, ws, frame); err != nil {
			return
		}
	}

	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-client.frames.C():
			if err := srv.writeFrame(ctx, ws, frame); err != nil {
				return
			}
		case <-ticker.C:
			frame, err := json.Marshal(envelope{Type: "telemetry", Data: srv.statusSnapshot()})
			if err != nil {
				continue
			}
			if err := srv.writeFrame(ctx, ws, frame); err != nil {
				return
			}
		}
	}
}

func (srv *Server) writeFrame(ctx context.Context, ws *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, frame)
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
