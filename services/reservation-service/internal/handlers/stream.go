package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
)

// Changes streams change-feed events as Server-Sent Events, optionally filtered by
// resource_id. A comment line is sent every heartbeat to keep proxies from closing the
// connection.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.changes == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "not_configured", "change feed not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	ctx := r.Context()
	resourceID := query(r, "resource_id")
	ch, cancel, err := h.changes.Subscribe(ctx, resourceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	h.logger.InfoContext(ctx, "change stream opened", "resource_id", resourceID, "request_id", httpx.RequestIDFromContext(ctx))
	defer h.logger.InfoContext(ctx, "change stream closed", "resource_id", resourceID)

	heartbeat := time.NewTicker(h.cfg.StreamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case c, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				h.logger.ErrorContext(ctx, "change encode failed", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
