package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kmaus/dispatchq/internal/logger"
)

// HandlersStream serves GET /api/v1/handlers/stream: an SSE feed of the
// availability snapshot plus handler configs, emitted on change.
type HandlersStream struct {
	availability Availability
	pollInterval time.Duration
}

func NewHandlersStream(availability Availability) *HandlersStream {
	return &HandlersStream{
		availability: availability,
		pollInterval: 3 * time.Second,
	}
}

func (h *HandlersStream) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	ctx := r.Context()
	var last []byte

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		frame := map[string]interface{}{
			"available_handlers": h.availability.Snapshot(),
			"configs":            h.availability.HandlerConfigs(),
		}
		data, err := json.Marshal(frame)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal handlers frame")
			return
		}

		if !bytes.Equal(data, last) {
			if err := sseEmit(w, flusher, json.RawMessage(data)); err != nil {
				return
			}
			last = data
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
