package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/pgvector/pgvector-go"
)

// Project is the primary searchable entity. Its search_vector column is a
// precomputed tsvector maintained by trigger; the Go struct never carries it.
type Project struct {
	ID             uuid.UUID
	Name           string
	Description    string
	Status         string
	OrganizationID *uuid.UUID
	OwnerID        *uuid.UUID
	StartDate      *time.Time
	TagIDs         []uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Document is an uploaded file attached to a project. ExtractedText is nil
// until the processing pipeline has run; the search_vector column mirrors it.
type Document struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	Filename      string
	MIMEType      string
	StoragePath   string
	SizeBytes     int64
	ExtractedText *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DocumentChunk is a slice of a document's extracted text. Chunks are indexed
// consecutively from 0. Embedding is nil iff the chunk has not been embedded;
// such chunks stay full-text searchable but are excluded from vector ranking.
type DocumentChunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  *pgvector.Vector
	CreatedAt  time.Time
}

// Tag is a label attached to projects. Synonym edges between tags form an
// undirected graph walked by the search-time expansion.
type Tag struct {
	ID        uuid.UUID
	Name      string
	Type      string
	CreatedAt time.Time
}

// TagSynonym is an undirected synonym edge. (TagID, SynonymTagID) and its
// reverse are the same edge to the closure algorithm; self-edges are invalid.
type TagSynonym struct {
	TagID        uuid.UUID
	SynonymTagID uuid.UUID
	Confidence   float64
	CreatedBy    *string
	CreatedAt    time.Time
}

// JiraLink associates a project with a Jira issue and caches its status.
type JiraLink struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	IssueKey        string
	CachedStatus    string
	StatusFetchedAt *time.Time
	CreatedAt       time.Time
}

// Team is a local group reconciled against an external directory group.
type Team struct {
	ID               uuid.UUID
	Name             string
	DirectoryGroupID string
	CreatedAt        time.Time
}
