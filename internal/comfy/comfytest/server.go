// Package comfytest runs an in-process imitation of the remote job server
// for tests: /prompt, /ws, /history/{id} and /interrupt.
package comfytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// SubmitFunc is called for every accepted submission. The returned events
// are streamed to websocket clients that connect after the submission.
type SubmitFunc func(jobID string, prompt map[string]any) []string

type Server struct {
	srv *httptest.Server

	mu         sync.Mutex
	jobs       int
	lastJob    string
	submitCode int
	submitted  []map[string]any
	events     []string
	jobEvents  map[string][]string
	history    map[string]any
	interrupts int
	wsQueries  []string
	onSubmit   SubmitFunc
	hangUp     bool
}

// NewServer starts a server that is closed when the test ends. Job ids are
// assigned in submission order: job-1, job-2, ...
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		submitCode: http.StatusOK,
		jobEvents:  map[string][]string{},
		history:    map[string]any{},
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.wsQueries = append(s.wsQueries, r.URL.RawQuery)
		events := append([]string(nil), s.events...)
		events = append(events, s.jobEvents[s.lastJob]...)
		hangUp := s.hangUp
		s.mu.Unlock()

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1})
		for _, ev := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}
		if hangUp {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		s.mu.Lock()
		entry, ok := s.history[id]
		s.mu.Unlock()
		out := map[string]any{}
		if ok {
			out[id] = entry
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.interrupts++
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.submitted = append(s.submitted, body)
	if s.submitCode != http.StatusOK {
		code := s.submitCode
		s.mu.Unlock()
		http.Error(w, "node errors", code)
		return
	}
	s.jobs++
	id := fmt.Sprintf("job-%d", s.jobs)
	s.lastJob = id
	hook := s.onSubmit
	s.mu.Unlock()

	if hook != nil {
		prompt, _ := body["prompt"].(map[string]any)
		events := hook(id, prompt)
		s.mu.Lock()
		s.jobEvents[id] = events
		s.mu.Unlock()
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": s.jobs})
}

func (s *Server) URL() string { return s.srv.URL }

// SetSubmitStatus makes /prompt answer with code instead of a job id.
func (s *Server) SetSubmitStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCode = code
}

// SetEvents replaces the events streamed to every websocket client.
func (s *Server) SetEvents(events ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
}

// HangUpAfterEvents makes /ws close the connection right after the last
// event instead of idling until the client leaves.
func (s *Server) HangUpAfterEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangUp = true
}

func (s *Server) OnSubmit(fn SubmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubmit = fn
}

func (s *Server) SetHistory(jobID string, entry any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[jobID] = entry
}

func (s *Server) Submissions() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.submitted...)
}

func (s *Server) StreamQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wsQueries...)
}

func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Event encodes one stream message.
func Event(kind string, data any) string {
	raw, _ := json.Marshal(map[string]any{"type": kind, "data": data})
	return string(raw)
}

// ImageOutput is the "output" payload of an executed event listing images.
func ImageOutput(names ...string) map[string]any {
	files := make([]map[string]any, 0, len(names))
	for _, n := range names {
		files = append(files, map[string]any{"filename": n, "subfolder": "", "type": "output"})
	}
	return map[string]any{"images": files}
}

// Executed is the event reporting that node of jobID wrote files.
func Executed(jobID, node string, output map[string]any) string {
	return Event("executed", map[string]any{"node": node, "prompt_id": jobID, "output": output})
}

// Finished is the "executing node=null" event that ends a job.
func Finished(jobID string) string {
	return Event("executing", map[string]any{"node": nil, "prompt_id": jobID})
}
