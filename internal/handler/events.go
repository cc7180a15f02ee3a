package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
)

// pingInterval keeps idle event streams open through proxies.
var pingInterval = 25 * time.Second

// Events streams hub notifications as server-sent events until the client
// disconnects. Each frame is "event: <type>" followed by the JSON event.
func (h *HTTPHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeInternal, "streaming unsupported"))
		return
	}

	events, cancel := h.svc.Hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprintf(w, "event: ping\ndata: {\"t\":%d}\n\n", time.Now().UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn().Err(err).Str("event_type", ev.Type).Msg("sse: failed to marshal event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
