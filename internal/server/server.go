package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/barotrack/internal/report"
	"github.com/shaunagostinho/barotrack/internal/session"
	"github.com/shaunagostinho/barotrack/internal/track"
)

// Server exposes the session controller over HTTP and pushes live state
// to WebSocket clients.
type Server struct {
	cfg   *Config
	ctrl  *session.Controller
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State        session.State       `json:"state"`
	Measurement  *track.Measurement  `json:"measurement,omitempty"`  // Set when a sample was recorded
	Measurements []track.Measurement `json:"measurements,omitempty"` // Full log, initial frame only
	Stamp        int64               `json:"stamp"`                  // Unix ms
}

// New creates a new Server.
func New(cfg *Config, ctrl *session.Controller, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet, http.MethodPost)

	api := r.PathPrefix("/api/session").Subrouter()
	api.HandleFunc("", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/measurements.csv", s.handleCSV).Methods(http.MethodGet)
	api.HandleFunc("/measurements.xlsx", s.handleXLSX).Methods(http.MethodGet)

	// Serve embedded web files
	r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	return r
}

// Run starts the HTTP server and the live update pump. When ctx ends the
// session is torn down without export.
func (s *Server) Run(ctx context.Context) error {
	updates := s.ctrl.Subscribe()
	go s.pump(ctx, updates)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.ctrl.Unsubscribe(updates)
		s.ctrl.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pump forwards controller updates to all WebSocket clients.
func (s *Server) pump(ctx context.Context, updates <-chan session.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.broadcast(Frame{
				State:       u.State,
				Measurement: u.Measurement,
				Stamp:       time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the initial frame before registering so it arrives first
	initial := Frame{
		State:        s.ctrl.State(),
		Measurements: s.ctrl.Measurements(),
		Stamp:        time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// sessionResponse is returned by the session endpoints.
type sessionResponse struct {
	State        session.State       `json:"state"`
	Measurements []track.Measurement `json:"measurements"`
	Path         string              `json:"path,omitempty"` // Exported file, stop only
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{
		State:        s.ctrl.State(),
		Measurements: s.ctrl.Measurements(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Start()
	writeJSON(w, http.StatusOK, sessionResponse{
		State:        s.ctrl.State(),
		Measurements: s.ctrl.Measurements(),
	})
}

// handleStop always answers 200; export failures are reported in the
// session status like every other pipeline error.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	path, err := s.ctrl.Stop()
	if err != nil {
		log.Printf("[server] stop: %v", err)
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		State:        s.ctrl.State(),
		Measurements: s.ctrl.Measurements(),
		Path:         path,
	})
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="measurements.csv"`)
	if err := report.WriteCSV(w, s.ctrl.Measurements()); err != nil {
		log.Printf("[server] csv: %v", err)
	}
}

func (s *Server) handleXLSX(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="measurements.xlsx"`)
	if err := report.WriteXLSX(w, s.ctrl.Measurements()); err != nil {
		log.Printf("[server] xlsx: %v", err)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		// Providers are wired at startup, so changes apply on restart.
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] json encode error: %v", err)
	}
}
