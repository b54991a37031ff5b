package webserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opsagent/opsagent/internal/core"
)

// sseSink translates agent events into server-sent events on the response.
// The HTTP handler goroutine owns the writer; the mutex guards against
// overlapping writes from command callbacks.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func (s *sseSink) send(event string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

func (s *sseSink) CommandStart(assetName, command string) {
	s.send("command_start", map[string]string{
		"asset":   assetName,
		"command": command,
	})
}

func (s *sseSink) CommandResult(rec core.ExecutionRecord) {
	s.send("command_result", map[string]string{
		"asset":      rec.AssetName,
		"command":    rec.Command,
		"result":     rec.Result,
		"started_at": rec.StartedAt.Format(time.RFC3339),
	})
}

func (s *sseSink) Reply(text string) {
	s.send("reply", map[string]string{"message": text})
}

func (s *sseSink) Error(msg string) {
	s.send("error", map[string]string{"message": msg})
}
