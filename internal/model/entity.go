package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncStatus reflects where an entity stands relative to the external board.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusConflict SyncStatus = "CONFLICT"
	SyncStatusDisabled SyncStatus = "DISABLED"
)

// Label returns the lowercase API form of the status.
func (s SyncStatus) Label() string { return strings.ToLower(string(s)) }

// ParseSyncStatus translates a lowercase API label into a SyncStatus.
func ParseSyncStatus(label string) (SyncStatus, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "synced":
		return SyncStatusSynced, nil
	case "pending":
		return SyncStatusPending, nil
	case "conflict":
		return SyncStatusConflict, nil
	case "disabled":
		return SyncStatusDisabled, nil
	default:
		return "", fmt.Errorf("model: unknown sync status %q", label)
	}
}

// SyncDirection controls which way changes flow for an entity.
type SyncDirection string

const (
	SyncDirectionBidirectional SyncDirection = "BIDIRECTIONAL"
	SyncDirectionNPDToExt      SyncDirection = "NPD_TO_EXT"
	SyncDirectionExtToNPD      SyncDirection = "EXT_TO_NPD"
	SyncDirectionNone          SyncDirection = "NONE"
)

// Label returns the lowercase API form of the direction.
func (d SyncDirection) Label() string { return strings.ToLower(string(d)) }

// ParseSyncDirection translates a lowercase API label into a SyncDirection.
func ParseSyncDirection(label string) (SyncDirection, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "bidirectional":
		return SyncDirectionBidirectional, nil
	case "npd_to_ext":
		return SyncDirectionNPDToExt, nil
	case "ext_to_npd":
		return SyncDirectionExtToNPD, nil
	case "none":
		return SyncDirectionNone, nil
	default:
		return "", fmt.Errorf("model: unknown sync direction %q", label)
	}
}

// EntityType discriminates the synced entity kinds. Stored lowercase: these
// values double as API path segments and conflict/rule discriminators, not
// enum symbols.
type EntityType string

const (
	EntityTypeContact      EntityType = "contact"
	EntityTypeOrganization EntityType = "organization"
)

// ParseEntityType validates an entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contact":
		return EntityTypeContact, nil
	case "organization":
		return EntityTypeOrganization, nil
	default:
		return "", fmt.Errorf("model: unknown entity type %q", s)
	}
}

// SyncState groups the board-sync bookkeeping columns shared by all synced
// entity types.
type SyncState struct {
	ExternalID           *string
	ExternalLastSyncedAt *time.Time
	SyncStatus           SyncStatus
	SyncDirection        SyncDirection
	SyncEnabled          bool
}

// OutboundAllowed reports whether local changes may be pushed to the board.
func (s SyncState) OutboundAllowed() bool {
	if !s.SyncEnabled {
		return false
	}
	switch s.SyncDirection {
	case SyncDirectionBidirectional, SyncDirectionNPDToExt:
		return true
	default:
		return false
	}
}

// InboundAllowed reports whether board changes may be applied locally.
func (s SyncState) InboundAllowed() bool {
	if !s.SyncEnabled {
		return false
	}
	switch s.SyncDirection {
	case SyncDirectionBidirectional, SyncDirectionExtToNPD:
		return true
	default:
		return false
	}
}

// Contact is a local CRM contact mirrored on the external board.
type Contact struct {
	ID             uuid.UUID
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	PhoneCountry   string // ISO country short name, e.g. "US"
	Status         string
	OrganizationID *uuid.UUID
	SyncState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Organization is a local CRM organization mirrored on the external board.
type Organization struct {
	ID       uuid.UUID
	Name     string
	Domain   string
	Industry string
	Status   string
	SyncState
	CreatedAt time.Time
	UpdatedAt time.Time
}
