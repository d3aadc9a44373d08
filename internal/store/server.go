package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentrelay/internal/feed"
	"agentrelay/internal/logging"

	"github.com/gorilla/websocket"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server exposes a FileStore over HTTP.
type Server struct {
	store    *FileStore
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer wires store appends into a stream hub.
func NewServer(fs *FileStore) *Server {
	s := &Server{
		store: fs,
		hub:   NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	fs.OnAppend(s.hub.Publish)
	return s
}

// Hub returns the stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/messages", s.handlePost)
	mux.HandleFunc("GET /api/messages/stream", s.handleStream)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/state", s.handleMerge)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Store("Store listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	logging.Store("Store stopped")
	return nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var (
		entries []feed.Entry
		err     error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		id, perr := strconv.ParseInt(after, 10, 64)
		if perr != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		entries, err = s.store.MessagesAfter(id)
	} else {
		entries, err = s.store.Messages()
	}
	if err != nil {
		logging.StoreWarn("Reading feed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var p feed.Post
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		http.Error(w, "invalid message payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(p.Sender) == "" {
		http.Error(w, "sender is required", http.StatusBadRequest)
		return
	}
	stored, err := s.store.AppendOnce(p.RequestID, p.Sender, p.Body)
	if err != nil {
		logging.StoreWarn("Appending message from %s: %v", p.Sender, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.State()
	if err != nil {
		logging.StoreWarn("Reading state: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&patch); err != nil || patch == nil {
		http.Error(w, "state patch must be a JSON object", http.StatusBadRequest)
		return
	}
	merged, err := s.store.MergeState(patch)
	if err != nil {
		logging.StoreWarn("Merging state: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// handleStream pushes every new entry as a JSON text frame. With ?after=N
// it first replays the entries after N.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var after int64 = -1
	if v := r.URL.Query().Get("after"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = id
	}

	// Subscribe before replaying so nothing appended in between is missed.
	output, cancel := s.hub.Subscribe()
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sent int64
	if after >= 0 {
		backlog, err := s.store.MessagesAfter(after)
		if err != nil {
			return
		}
		for _, e := range backlog {
			if err := writeFrame(conn, e); err != nil {
				return
			}
			sent = e.ID
		}
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case e, ok := <-output:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "store shutting down"),
						time.Now().Add(time.Second))
					return
				}
				if e.ID <= sent {
					continue
				}
				if err := writeFrame(conn, e); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, e feed.Entry) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
