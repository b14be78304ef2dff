package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/sync"
)

func signWebhookToken(t *testing.T, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func (e *testEnv) postWebhook(path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookChallengeEcho(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/contacts", `{"challenge":"abc123"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc123", body["challenge"])
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/contacts", strings.NewReader("{}"))
	req.ContentLength = maxWebhookBodyBytes + 1
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/contacts", `{"event":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookDispatchesEventToIngress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/contacts",
		`{"event":{"type":"update_item","boardId":"board-contacts","itemId":"42","itemName":"Ada","columnValues":{"status":"ACTIVE"}}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, board.BoardContacts, env.ingress.lastBoard)
	assert.Equal(t, sync.EventItemUpdated, env.ingress.lastEvent)
	assert.Equal(t, "42", env.ingress.lastItem.ID)
	assert.Equal(t, "Ada", env.ingress.lastItem.Name)
	assert.Equal(t, "ACTIVE", env.ingress.lastItem.ColumnValues["status"])

	var resp model.WebhookEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processed", resp.Status)
	assert.Equal(t, string(board.BoardContacts), resp.BoardType)
}

func TestWebhookVerifiesJWTWhenSecretConfigured(t *testing.T) {
	const secret = "hook-secret"
	env := newTestEnv(t, func(c *Config) { c.WebhookSecret = secret })
	body := `{"event":{"type":"create_item","boardId":"board-orgs","itemId":"7","itemName":"Acme"}}`

	rec := env.postWebhook("/webhooks/organizations", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	rec = env.postWebhook("/webhooks/organizations", body, signWebhookToken(t, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "token signed with the wrong secret")

	rec = env.postWebhook("/webhooks/organizations", body, signWebhookToken(t, secret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, board.BoardOrganizations, env.ingress.lastBoard)
}

func TestWebhookAcceptsEventsWithoutSecret(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/contacts",
		`{"event":{"type":"create_item","boardId":"board-contacts","itemId":"1","itemName":"n"}}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookChallengeSkipsSignatureCheck(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WebhookSecret = "hook-secret" })

	rec := env.postWebhook("/webhooks/contacts", `{"challenge":"tok"}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tok")
}

func TestWebhookIgnoresUnknownBoard(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/unrelated",
		`{"event":{"type":"create_item","boardId":"board-unrelated","itemId":"9","itemName":"x"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code, "unknown boards are acknowledged to stop redelivery")

	var resp model.WebhookEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
	assert.Empty(t, env.ingress.lastItem.ID, "ingress must not see ignored events")
}

func TestWebhookUnknownEventType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/contacts",
		`{"event":{"type":"reorder_items","boardId":"board-contacts","itemId":"1","itemName":"n"}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookPathFallbackResolvesBoard(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook("/webhooks/organizations",
		`{"event":{"type":"create_item","boardId":"not-configured","itemId":"3","itemName":"Org"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, board.BoardOrganizations, env.ingress.lastBoard)
}

func TestWebhookIngressFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ingress.err = assert.AnError

	rec := env.postWebhook("/webhooks/contacts",
		`{"event":{"type":"create_item","boardId":"board-contacts","itemId":"1","itemName":"n"}}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
