package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/kmaus/dispatchq/internal/logger"
)

// FeedbackItem is free-form product feedback, unrelated to any task.
type FeedbackItem struct {
	Text    string `json:"text"`
	Contact string `json:"contact,omitempty"`
}

type storedFeedback struct {
	Text      string `json:"text"`
	Contact   string `json:"contact"`
	Timestamp string `json:"timestamp"`
}

// FeedbackHandler appends feedback entries to a local JSON file.
type FeedbackHandler struct {
	path string
	mu   sync.Mutex
}

func NewFeedbackHandler(path string) *FeedbackHandler {
	if path == "" {
		path = "feedback.json"
	}
	return &FeedbackHandler{path: path}
}

// Submit handles POST /api/v1/feedback.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var item FeedbackItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.append(item); err != nil {
		logger.Error().Err(err).Msg("failed to save feedback")
		respondError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Feedback received",
	})
}

func (h *FeedbackHandler) append(item FeedbackItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var entries []storedFeedback
	if data, err := os.ReadFile(h.path); err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			entries = nil
		}
	}

	entries = append(entries, storedFeedback{
		Text:      item.Text,
		Contact:   item.Contact,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(h.path, data, 0o644)
}
