package httpx

import (
	"net/http"
	"time"

	"github.com/splax/voicetodo/internal/service/events"
	"github.com/splax/voicetodo/internal/ws"
)

func (r *Router) streamTopic(w http.ResponseWriter, req *http.Request) (string, bool) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return "", false
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return "", false
	}
	topic := events.NormalizeTopic(req.URL.Query().Get("topic"))
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic must be all, tasks, agents or room:<name>")
		return "", false
	}
	return topic, true
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	topic, ok := r.streamTopic(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	r.trackStreamClient("websocket", 1)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
			r.trackStreamClient("websocket", -1)
		}()
		client.Serve()
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	topic, ok := r.streamTopic(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Open(sseRetry); err != nil {
		return
	}
	r.hub.Register(topic, client)
	r.trackStreamClient("sse", 1)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
		r.trackStreamClient("sse", -1)
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
