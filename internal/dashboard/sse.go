package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	ssePollInterval      = 2 * time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// handleSSE streams lifecycle transitions as server-sent events. Transitions
// already in the history when the client connects are not replayed; only new
// ones are pushed.
func handleSSE(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", gin.H{"state": string(src.State())})
		c.Writer.Flush()

		lastSeen := latestTimestamp(src)

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", gin.H{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				sent := false
				cutoff := lastSeen
				for _, tr := range src.History() {
					if !tr.Timestamp.After(cutoff) {
						continue
					}
					writeSSE(c.Writer, "transition", toTransitionView(tr))
					sent = true
					if tr.Timestamp.After(lastSeen) {
						lastSeen = tr.Timestamp
					}
				}
				if sent {
					c.Writer.Flush()
				}
			}
		}
	}
}

func latestTimestamp(src StatusSource) time.Time {
	var latest time.Time
	for _, tr := range src.History() {
		if tr.Timestamp.After(latest) {
			latest = tr.Timestamp
		}
	}
	return latest
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
