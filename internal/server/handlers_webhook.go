package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/sync"
)

// maxWebhookBodyBytes caps webhook payloads at 1 MiB.
const maxWebhookBodyBytes = 1 << 20

// webhookPayload is the board's delivery envelope: either a verification
// challenge or an event.
type webhookPayload struct {
	Challenge string        `json:"challenge,omitempty"`
	Event     *webhookEvent `json:"event,omitempty"`
}

type webhookEvent struct {
	Type         string         `json:"type"`
	BoardID      string         `json:"boardId"`
	ItemID       string         `json:"itemId"`
	ItemName     string         `json:"itemName"`
	ColumnValues map[string]any `json:"columnValues,omitempty"`
}

// HandleWebhook handles POST /webhooks/{board}. Challenge payloads are the
// only unauthenticated path: the board sends them before any secret exists
// on its side, and the response only ever echoes the board's own token.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	// Reject oversized deliveries before reading the body.
	if r.ContentLength > maxWebhookBodyBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, errCodePayloadTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", maxWebhookBodyBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "malformed webhook body")
		return
	}

	if payload.Challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": payload.Challenge})
		return
	}

	if err := h.verifyWebhookSignature(r); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusUnauthorized, errCodeUnauthorized, "invalid webhook signature")
		return
	}

	if payload.Event == nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "webhook body has neither challenge nor event")
		return
	}

	eventType, err := sync.ParseEventType(payload.Event.Type)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}

	boardType, ok := h.resolveBoard(payload.Event.BoardID, r.PathValue("board"))
	if !ok {
		// Events from boards this deployment does not sync are acknowledged
		// so the board stops redelivering them.
		h.logger.Info("ignoring webhook for unknown board", "board_id", payload.Event.BoardID)
		h.writeWebhookResponse(w, model.WebhookEventResponse{
			Status:    "ignored",
			EventType: string(eventType),
		})
		return
	}

	item := board.Item{
		ID:           payload.Event.ItemID,
		Name:         payload.Event.ItemName,
		ColumnValues: payload.Event.ColumnValues,
	}
	outcome, err := h.ingress.HandleEvent(r.Context(), boardType, eventType, item)
	if err != nil {
		h.logger.Error("webhook event failed", "board", boardType, "event", eventType, "error", err)
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "event processing failed")
		return
	}

	h.writeWebhookResponse(w, model.WebhookEventResponse{
		Status:     "processed",
		EventType:  string(eventType),
		BoardType:  string(boardType),
		SyncResult: outcome,
	})
}

// writeWebhookResponse writes the flat shape the board expects, without the
// admin API envelope.
func (h *Handlers) writeWebhookResponse(w http.ResponseWriter, resp model.WebhookEventResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveBoard maps the payload's board identifier to a board kind, falling
// back to the path segment for boards addressed by name.
func (h *Handlers) resolveBoard(boardID, pathBoard string) (board.BoardType, bool) {
	if bt, ok := h.boardIDs[boardID]; ok {
		return bt, true
	}
	switch board.BoardType(pathBoard) {
	case board.BoardContacts:
		return board.BoardContacts, true
	case board.BoardOrganizations:
		return board.BoardOrganizations, true
	}
	return "", false
}

// verifyWebhookSignature checks the HMAC-signed token the board sends in
// the Authorization header. Without a configured secret the event is
// accepted with a warning; refusing would silently wedge sync in
// deployments that have not finished webhook setup.
func (h *Handlers) verifyWebhookSignature(r *http.Request) error {
	if h.webhookSecret == "" {
		h.logger.Warn("accepting webhook without signature verification")
		return nil
	}

	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	raw = strings.TrimPrefix(raw, "Bearer ")
	if raw == "" {
		return fmt.Errorf("server: missing webhook token")
	}

	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("server: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(h.webhookSecret), nil
	})
	if err != nil {
		return fmt.Errorf("server: verify webhook token: %w", err)
	}
	return nil
}
