package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
)

const (
	sseReplayWindow = time.Hour
	sseReplayLimit  = 20
	sseHeartbeat    = 30 * time.Second
)

// eventsHandler handles GET /api/v1/events: a server-sent-events stream of
// the investigation log. New connections get a ping, a short replay of the
// last hour, then live events; heartbeats keep idle proxies from closing
// the stream.
func (s *Server) eventsHandler(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.SSEvent("ping", gin.H{"ts": time.Now().UTC()})
	flusher.Flush()

	replay, err := s.store.EventsSince(c.Request.Context(), s.db,
		time.Now().Add(-sseReplayWindow), sseReplayLimit)
	if err != nil {
		s.log.Error("sse replay failed", "error", err)
	}
	for i := range replay {
		s.writeEvent(c, &replay[i])
	}
	flusher.Flush()

	live, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UTC()})
			flusher.Flush()
		case evt, open := <-live:
			if !open {
				return
			}
			s.writeEvent(c, &evt)
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(c *gin.Context, evt *eventstore.Event) {
	c.SSEvent(evt.EventType, evt)
}
