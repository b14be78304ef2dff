package model

import "time"

// APIResponse is the uniform HTTP response envelope.
type APIResponse struct {
	Data  any          `json:"data,omitempty"`
	Error *APIError    `json:"error,omitempty"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError carries a machine-readable code and a human-readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta holds per-request metadata echoed on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookEventResponse is the body returned for processed webhook events.
type WebhookEventResponse struct {
	Status     string `json:"status"`
	EventType  string `json:"event_type"`
	BoardType  string `json:"board_type"`
	SyncResult any    `json:"sync_result,omitempty"`
}

// SynonymMetadata describes a tag-synonym expansion applied to a search.
type SynonymMetadata struct {
	OriginalTags   []string            `json:"original_tags"`
	ExpandedTags   []string            `json:"expanded_tags"`
	SynonymMatches map[string][]string `json:"synonym_matches"`
}
