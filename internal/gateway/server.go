// Package gateway exposes the harness to operators and external
// processes: a WebSocket feed of broadcast events with inbound control
// frames, an external-injection endpoint, a transcript view, and a
// status surface. Observer disconnection is never an error for the
// core — dropped observers just stop receiving.
package gateway

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-agent/vigil/internal/agent"
	"github.com/vigil-agent/vigil/internal/bus"
	"github.com/vigil-agent/vigil/internal/store"
)

//go:embed static
var staticFiles embed.FS

// externalSource validates the source field of an injection request.
var externalSource = regexp.MustCompile(`^external:[^\s]+$`)

// Controller is the coordinator surface the gateway drives.
type Controller interface {
	Post(ev agent.Event)
	Snapshot() agent.Snapshot
}

// writeJSON encodes v as JSON to w, logging failures at debug level —
// they typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write JSON response", "error", err)
	}
}

// Server is the gateway HTTP server.
type Server struct {
	port   int
	store  *store.Store
	bus    *bus.Bus
	coord  Controller
	logger *slog.Logger
	server *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates a gateway bound to the given port.
func NewServer(port int, st *store.Store, b *bus.Bus, coord Controller, logger *slog.Logger) *Server {
	return &Server{
		port:   port,
		store:  st,
		bus:    b,
		coord:  coord,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Single-operator tool on a trusted network; cryptographic
			// auth is out of scope.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the route table. Split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /inject", s.handleInject)
	mux.HandleFunc("GET /transcript", s.handleTranscript)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /", http.FileServer(http.FS(staticSub())))
	return mux
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "port", s.port)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// controlFrame is one inbound WebSocket control message.
type controlFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Delay   string `json:"delay,omitempty"`
}

// handleWS upgrades the connection, streams broadcast events out, and
// consumes control frames in.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe(64)
	done := make(chan struct{})

	// Writer: this goroutine is the connection's only writer.
	go func() {
		defer conn.Close()

		// Open with a state snapshot so the client renders immediately.
		snap := s.coord.Snapshot()
		if err := conn.WriteJSON(bus.Event{Type: bus.TypeState, Data: bus.State{Mode: snap.Mode, Delay: snap.Delay}}); err != nil {
			return
		}

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Reader: control frames until the client goes away.
	defer func() {
		close(done)
		s.bus.Unsubscribe(sub)
	}()
	for {
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if err := s.applyControl(frame); err != nil {
			s.logger.Warn("bad control frame", "type", frame.Type, "error", err)
		}
	}
}

// applyControl dispatches one control frame. Mode and delay changes
// write the store first — it is the source of truth — then surface to
// the FSM and observers.
func (s *Server) applyControl(frame controlFrame) error {
	switch frame.Type {
	case "user_message":
		if frame.Content == "" {
			return fmt.Errorf("user_message requires content")
		}
		s.coord.Post(agent.Event{Kind: agent.EventUserMessage, Content: frame.Content})
		return nil

	case "set_mode":
		if frame.Mode != agent.ModeConversational && frame.Mode != agent.ModeAutonomous {
			return fmt.Errorf("unknown mode %q", frame.Mode)
		}
		if err := s.store.SetState("mode", jsonQuote(frame.Mode)); err != nil {
			return err
		}
		s.coord.Post(agent.Event{Kind: agent.EventModeChanged, Mode: frame.Mode})
		s.publishState()
		return nil

	case "set_delay":
		delay, err := agent.ParseDelay(frame.Delay)
		if err != nil {
			return err
		}
		if err := s.store.SetState("delay", jsonQuote(delay.String())); err != nil {
			return err
		}
		s.coord.Post(agent.Event{Kind: agent.EventDelayChanged, Delay: delay})
		s.publishState()
		return nil

	case "step":
		s.coord.Post(agent.Event{Kind: agent.EventStep})
		return nil

	default:
		return fmt.Errorf("unknown control frame type %q", frame.Type)
	}
}

// jsonQuote JSON-quotes a state value for the kv store.
func jsonQuote(v string) string {
	out, _ := json.Marshal(v)
	return string(out)
}

func (s *Server) publishState() {
	snap := s.coord.Snapshot()
	s.bus.Publish(bus.Event{Type: bus.TypeState, Data: bus.State{Mode: snap.Mode, Delay: snap.Delay}})
}

// injectRequest is the external-injection payload.
type injectRequest struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// handleInject appends an externally-sourced message and hands it to
// the FSM. Sources must match external:<name>.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if !externalSource.MatchString(req.Source) {
		http.Error(w, `source must match ^external:[^\s]+$`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	msg, err := s.store.AppendMessage(req.Source, req.Content, "", "", "")
	if err != nil {
		s.logger.Error("persist injected message", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.bus.PublishMessage(msg)

	bare := req.Source[len("external:"):]
	s.coord.Post(agent.Event{Kind: agent.EventExternalMessage, Source: bare, Content: req.Content})

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"id": msg.ID}, s.logger)
}

// handleStatus reports a JSON snapshot of the harness.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()

	taskStats, err := s.store.TaskStats()
	if err != nil {
		s.logger.Error("task stats", "error", err)
	}

	status := map[string]any{
		"fsm":   snap,
		"tasks": taskStats,
	}
	if sess, ok, err := s.store.CurrentSession(); err == nil && ok {
		status["session"] = sess
	}

	writeJSON(w, status, s.logger)
}
