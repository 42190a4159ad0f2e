package chi

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain/event"
	logpkg "github.com/copychief/relay/internal/logger"
	"github.com/copychief/relay/internal/metrics"
)

// StreamEvents handles GET /api/v1/stream?agentId=...
//
// The connection registers itself for (account, agent), then drains events
// onto the wire as SSE frames until the client disconnects or the registry
// closes the connection (e.g. a newer stream replaced it). On disconnect any
// in-flight exchange for this key is cancelled; its partial usage still gets
// committed by the relay.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	accountID := AccountIDFromContext(r.Context())
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "no account in request")
		return
	}

	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "agentId query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := s.registry.Register(accountID, agentID)
	defer func() {
		s.registry.Unregister(conn)
		s.sender.CancelInFlight(accountID, agentID)
	}()

	log := logpkg.FromContext(r.Context(), s.logger)
	log.Info("event stream opened",
		zap.String("account_id", accountID),
		zap.String("agent_id", agentID),
	)

	for {
		select {
		case <-r.Context().Done():
			log.Info("event stream client disconnected",
				zap.String("account_id", accountID),
				zap.String("agent_id", agentID),
			)
			return
		case ev, open := <-conn.Events():
			if !open {
				return
			}
			data, err := event.Encode(ev)
			if err != nil {
				log.Error("failed to encode stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			metrics.StreamEventsTotal.WithLabelValues(string(ev.EventType())).Inc()
		}
	}
}
