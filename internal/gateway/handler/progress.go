package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chainrunner/internal/progress"
)

const (
	progressWSWriteWait = 10 * time.Second
	progressWSPongWait  = 60 * time.Second
	progressWSPingEvery = (progressWSPongWait * 9) / 10
	progressQueueSize   = 64
)

var progressWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleProgressWS streams progress messages until the client goes away.
// Text frames "ping" and "request_state" (bare or as {"type":...}) are
// answered with "pong" and the current snapshot.
func (h *ChainHandler) HandleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := progressWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(progressWSPongWait)); err != nil {
		log.Printf("progress ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(progressWSPongWait))
	})

	queue := progress.NewQueue(uuid.NewString(), progressQueueSize)
	replies := make(chan string, 8)
	h.progress.Subscribe(queue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeProgress(ctx, conn, queue, replies)
	}()
	defer func() {
		h.progress.Unsubscribe(queue.ID())
		queue.Close()
		cancel()
		<-writerDone
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		switch inboundType(data) {
		case "ping":
			select {
			case replies <- "pong":
			default:
			}
		case "request_state":
			_ = queue.Send(progress.Message{Type: progress.MessageType, Data: h.progress.CurrentSnapshot()})
		}
	}
}

// progressConn is the write side of a progress websocket.
type progressConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// writeProgress is the only writer of conn. When it stops, for any reason,
// the queue is detached from the broadcaster and conn is closed so the read
// loop ends too.
func (h *ChainHandler) writeProgress(ctx context.Context, conn progressConn, queue *progress.Queue, replies <-chan string) {
	defer func() {
		h.progress.Unsubscribe(queue.ID())
		queue.Close()
		_ = conn.Close()
	}()
	ticker := time.NewTicker(progressWSPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-queue.C():
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("progress ws %s write failed: %v", queue.ID(), err)
				return
			}
		case text := <-replies:
			if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func inboundType(data []byte) string {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var in struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(text), &in); err == nil {
			return strings.TrimSpace(in.Type)
		}
	}
	return text
}

func (h *ChainHandler) HandleProgressState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.progress.CurrentSnapshot())
}
