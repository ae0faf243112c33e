//go:build ignore

// mock_server.go runs a fake agent server for trying agentlink by hand:
//
//	go run mock_server.go -addr 127.0.0.1:4096
//
// Messages are echoed back word by word over /event, followed by
// session.idle. A message containing "permission" first raises a
// permission request.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/protocol"
)

type broker struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	nextID int
}

func (b *broker) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *broker) publish(v any) {
	data, _ := json.Marshal(v)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	frame := []byte(fmt.Sprintf("id: %d\ndata: %s\n\n", b.nextID, data))
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

type server struct {
	log    *logging.Logger
	events *broker

	mu       sync.Mutex
	sessions map[string]protocol.Session
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)
	s.log.Info("Stream opened", "remote", r.RemoteAddr, "last_event_id", r.Header.Get("Last-Event-ID"))

	for {
		select {
		case frame := <-ch:
			w.Write(frame)
			flusher.Flush()
		case <-r.Context().Done():
			s.log.Info("Stream closed", "remote", r.RemoteAddr)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	json.NewDecoder(r.Body).Decode(&req)
	now := time.Now().UnixMilli()
	sess := protocol.Session{
		ID:        "ses_" + uuid.NewString()[:8],
		Title:     req.Title,
		Directory: r.Header.Get("X-Directory"),
		Time:      protocol.SessionTime{Created: now, Updated: now},
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]protocol.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (protocol.Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "session not found"})
	}
	return sess, ok
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		s.events.publish(map[string]any{"type": "session.ended", "properties": map[string]any{"sessionID": sess.ID, "reason": "deleted"}})
		writeJSON(w, http.StatusOK, true)
	}
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		s.events.publish(map[string]any{"type": "session.aborted", "properties": map[string]any{"sessionID": sess.ID}})
		writeJSON(w, http.StatusOK, true)
	}
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req protocol.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	var text []string
	for _, p := range req.Parts {
		text = append(text, p.Text)
	}
	s.reply(w, sess, strings.Join(text, " "))
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req protocol.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "command is required"})
		return
	}
	s.reply(w, sess, "/"+req.Command+" "+req.Arguments)
}

// reply streams the echo as deltas, then answers the request with the
// complete message.
func (s *server) reply(w http.ResponseWriter, sess protocol.Session, input string) {
	if strings.Contains(input, "permission") {
		s.events.publish(map[string]any{
			"type": "permission.request",
			"properties": map[string]any{
				"requestId": "perm_" + uuid.NewString()[:8], "sessionID": sess.ID,
				"operation": "edit", "resourcePath": "README.md",
			},
		})
	}

	reply := "You said: " + input
	for i, word := range strings.Fields(reply) {
		if i > 0 {
			word = " " + word
		}
		s.events.publish(map[string]any{
			"type": "message.part.updated",
			"properties": map[string]any{
				"part":  map[string]any{"type": "text", "sessionID": sess.ID},
				"delta": word,
			},
		})
		time.Sleep(80 * time.Millisecond)
	}
	s.events.publish(map[string]any{"type": "session.idle", "properties": map[string]any{"sessionID": sess.ID}})

	writeJSON(w, http.StatusOK, protocol.MessageResponse{
		Info:  protocol.MessageInfo{ID: "msg_" + uuid.NewString()[:8], SessionID: sess.ID, Role: "assistant"},
		Parts: []protocol.Part{protocol.TextPart(reply)},
	})
}

func (s *server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var resp protocol.PermissionResponse
	json.NewDecoder(r.Body).Decode(&resp)
	s.log.Info("Permission answered", "session", r.PathValue("id"), "request", r.PathValue("requestID"), "response", resp.Response)
	writeJSON(w, http.StatusOK, true)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:4096", "Listen address")
	flag.Parse()

	s := &server{
		log:      logging.GetGlobalLogger().WithComponent("mock"),
		events:   &broker{subs: make(map[chan []byte]struct{})},
		sessions: make(map[string]protocol.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
	})
	mux.HandleFunc("GET /event", s.handleEvents)
	mux.HandleFunc("POST /session", s.handleCreate)
	mux.HandleFunc("GET /session", s.handleList)
	mux.HandleFunc("GET /session/{id}", s.handleGet)
	mux.HandleFunc("DELETE /session/{id}", s.handleDelete)
	mux.HandleFunc("POST /session/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /session/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /session/{id}/command", s.handleCommand)
	mux.HandleFunc("POST /session/{id}/permissions/{requestID}", s.handlePermission)

	s.log.Info("Mock agent server listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		s.log.Error("Server stopped", "error", err.Error())
	}
}
