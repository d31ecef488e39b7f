package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"chatrelay/internal/logging"
	"chatrelay/internal/model"
	"chatrelay/internal/relay"
	"chatrelay/internal/store"
)

// maxRequestBody はリクエストボディの上限（1MB）
const maxRequestBody = 1 << 20

// CreateMessage handles POST /messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.Log)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var draft model.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		log.Warn().Err(err).Msg("invalid request body")
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.Relay.Submit(r.Context(), draft.Sender, draft.Content)
	if err != nil {
		var ve *model.ValidationError
		switch {
		case errors.As(err, &ve):
			log.Warn().Str("field", ve.Field).Msg("validation failed")
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, relay.ErrClosed), errors.Is(err, context.Canceled):
			log.Warn().Err(err).Msg("message not accepted")
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		case store.IsStorageError(err):
			log.Error().Err(err).Msg("failed to save message")
			writeError(w, http.StatusInternalServerError, "Could not save message")
		default:
			log.Error().Err(err).Msg("failed to create message")
			writeError(w, http.StatusInternalServerError, "Could not save message")
		}
		return
	}

	log.Info().Str("id", msg.ID).Str("sender", msg.Sender).Msg("message created")
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessages handles GET /messages
// 全件を時系列順（?order=desc で新しい順）に返す
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.Log)

	order, err := store.ParseOrder(r.URL.Query().Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	msgs, err := h.Relay.ListAll(r.Context(), order)
	if err != nil {
		log.Error().Err(err).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	log.Debug().Int("count", len(msgs)).Msg("listed messages")
	writeJSON(w, http.StatusOK, msgs)
}
