package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"boliganalyse/internal/orchestrator"
)

// WatchMessage is one frame on /analyze/{id}/watch.
// Example: {"type": "status", "status": {...}}
type WatchMessage struct {
	Type   string                   `json:"type"` // "status" or "error"
	Status *orchestrator.StatusView `json:"status,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWatch streams the record's status over a WebSocket. A frame is sent
// for the current status and for every change after it. The server closes the
// connection once the record is terminal.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	first, err := s.svc.GetStatus(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warn("ws upgrade failed", "listing_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	view := first
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	for {
		if err := writeWatch(conn, &writeMu, WatchMessage{Type: "status", Status: view}); err != nil {
			return
		}
		if view.Status.IsTerminal() {
			closeWatch(conn, &writeMu, websocket.CloseNormalClosure, string(view.Status))
			return
		}
		last := view.Status
		for view.Status == last {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
			next, err := s.svc.GetStatus(r.Context(), id)
			if err != nil {
				s.log().Warn("watch lookup failed", "listing_id", id, "error", err)
				_ = writeWatch(conn, &writeMu, WatchMessage{Type: "error", Error: "listing could not be read"})
				closeWatch(conn, &writeMu, websocket.CloseInternalServerErr, "lookup failed")
				return
			}
			view = next
		}
	}
}

func writeWatch(conn *websocket.Conn, mu *sync.Mutex, msg WatchMessage) error {
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteJSON(msg)
}

func closeWatch(conn *websocket.Conn, mu *sync.Mutex, code int, text string) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
