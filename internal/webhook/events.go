package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/monitor"
)

const (
	heartbeatInterval = 15 * time.Second
	subscriberBuffer  = 16
)

// eventView is the JSON payload of a monitor event on the stream.
type eventView struct {
	Type      string    `json:"type"`
	Session   string    `json:"session"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	Pattern   string    `json:"pattern,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publish fans ev out to every connected /events client. Slow clients miss
// events rather than block the monitor.
func (s *Server) Publish(ev monitor.Event) {
	view := eventView{
		Type:      string(ev.Type),
		Session:   ev.Session,
		Question:  ev.Turn.UserQuestion,
		Response:  ev.Turn.AssistantResponse,
		Pattern:   ev.Pattern,
		Timestamp: ev.Timestamp,
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- view:
		default:
		}
	}
}

func (s *Server) subscribe() chan eventView {
	ch := make(chan eventView, subscriberBuffer)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan eventView) {
	s.subsMu.Lock()
	delete(s.subs, ch)
	s.subsMu.Unlock()
}

// handleEvents streams monitor events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	writeSSE(c.Writer, "connected", gin.H{"target": s.target})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case ev := <-ch:
			writeSSE(c.Writer, ev.Type, ev)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
