package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResolutionType selects which side of a sync conflict wins.
type ResolutionType string

const (
	ResolutionKeepLocal    ResolutionType = "KEEP_LOCAL"
	ResolutionKeepExternal ResolutionType = "KEEP_EXTERNAL"
	ResolutionMerge        ResolutionType = "MERGE"
)

// Label returns the lowercase API form of the resolution type.
func (r ResolutionType) Label() string { return strings.ToLower(string(r)) }

// ParseResolutionType translates a lowercase API label into a ResolutionType.
func ParseResolutionType(label string) (ResolutionType, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "keep_local":
		return ResolutionKeepLocal, nil
	case "keep_external":
		return ResolutionKeepExternal, nil
	case "merge":
		return ResolutionMerge, nil
	default:
		return "", fmt.Errorf("model: unknown resolution type %q", label)
	}
}

// PreferredSource names the side an auto-resolution rule favors.
type PreferredSource string

const (
	SourceLocal    PreferredSource = "LOCAL"
	SourceExternal PreferredSource = "EXTERNAL"
)

// Label returns the lowercase API form of the source.
func (s PreferredSource) Label() string { return strings.ToLower(string(s)) }

// ParsePreferredSource translates a lowercase API label into a PreferredSource.
func ParsePreferredSource(label string) (PreferredSource, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "local":
		return SourceLocal, nil
	case "external":
		return SourceExternal, nil
	default:
		return "", fmt.Errorf("model: unknown preferred source %q", label)
	}
}

// SyncConflict records a detected divergence between a local entity and its
// board item, awaiting resolution. NPDData and ExternalData are snapshots of
// both sides at detection time.
type SyncConflict struct {
	ID             uuid.UUID
	EntityType     EntityType
	EntityID       uuid.UUID
	NPDData        map[string]any
	ExternalData   map[string]any
	ConflictFields []string
	DetectedAt     time.Time
	ResolvedAt     *time.Time
	ResolutionType *ResolutionType
	ResolvedByID   *uuid.UUID
}

// Resolved reports whether the conflict has been resolved.
func (c SyncConflict) Resolved() bool { return c.ResolvedAt != nil }

// AutoResolutionRule eliminates a conflict on a specific field without human
// input. Rules are evaluated in ascending Priority order; the first enabled
// rule matching (entity_type, field_name) wins.
type AutoResolutionRule struct {
	ID              uuid.UUID
	Name            string
	EntityType      EntityType
	FieldName       string
	PreferredSource PreferredSource
	IsEnabled       bool
	Priority        int
	CreatedByID     *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BulkResolutionOutcome reports the per-conflict results of a bulk resolve.
type BulkResolutionOutcome struct {
	Total     int                    `json:"total"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
	Results   []BulkResolutionResult `json:"results"`
}

// BulkResolutionResult is the outcome for a single conflict in a bulk resolve.
type BulkResolutionResult struct {
	ConflictID uuid.UUID `json:"conflict_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}
