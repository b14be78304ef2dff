// Package importer materializes bulk-import payloads into projects. Rows
// ride in the BULK_IMPORT job payload; each row is validated independently
// and the per-row outcomes become the job result, so one bad row never
// blocks the rest of the batch.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/queue"
)

// Store is the importer's view of persistence.
type Store interface {
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
}

// Importer runs bulk imports.
type Importer struct {
	store  Store
	logger *slog.Logger
}

// New wires an importer.
func New(store Store, logger *slog.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// Handler adapts the importer to the job queue. A payload without rows is
// a permanent failure: retrying cannot make rows appear.
func (im *Importer) Handler() queue.Handler {
	return func(ctx context.Context, job *model.Job) (map[string]any, error) {
		rows, ok := job.Payload["rows"].([]any)
		if !ok || len(rows) == 0 {
			return nil, fmt.Errorf("importer: invalid payload: missing rows")
		}
		return im.Run(ctx, rows)
	}
}

// Run imports each row, collecting per-row outcomes.
func (im *Importer) Run(ctx context.Context, rows []any) (map[string]any, error) {
	var created, failed int
	results := make([]map[string]any, 0, len(rows))

	for i, raw := range rows {
		project, err := buildProject(i, raw)
		if err == nil {
			project, err = im.store.CreateProject(ctx, project)
		}
		if err != nil {
			failed++
			results = append(results, map[string]any{"row": i, "error": err.Error()})
			continue
		}
		created++
		results = append(results, map[string]any{"row": i, "project_id": project.ID.String()})
	}

	im.logger.Info("bulk import finished", "total", len(rows), "created", created, "failed", failed)
	return map[string]any{
		"total":   len(rows),
		"created": created,
		"failed":  failed,
		"results": results,
	}, nil
}

// buildProject validates one import row. Field names mirror the admin
// project API: name (required), description, status, organization_id,
// owner_id, start_date (YYYY-MM-DD), tag_ids.
func buildProject(row int, raw any) (model.Project, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return model.Project{}, fmt.Errorf("row %d: not an object", row)
	}

	name := strings.TrimSpace(stringField(fields, "name"))
	if name == "" {
		return model.Project{}, fmt.Errorf("row %d: name is required", row)
	}

	p := model.Project{
		Name:        name,
		Description: strings.TrimSpace(stringField(fields, "description")),
		Status:      strings.ToUpper(strings.TrimSpace(stringField(fields, "status"))),
	}
	if p.Status == "" {
		p.Status = "ACTIVE"
	}

	if s := stringField(fields, "organization_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return model.Project{}, fmt.Errorf("row %d: invalid organization_id %q", row, s)
		}
		p.OrganizationID = &id
	}
	if s := stringField(fields, "owner_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return model.Project{}, fmt.Errorf("row %d: invalid owner_id %q", row, s)
		}
		p.OwnerID = &id
	}
	if s := stringField(fields, "start_date"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return model.Project{}, fmt.Errorf("row %d: invalid start_date %q", row, s)
		}
		p.StartDate = &d
	}

	if tags, ok := fields["tag_ids"].([]any); ok {
		for _, t := range tags {
			s, _ := t.(string)
			id, err := uuid.Parse(s)
			if err != nil {
				return model.Project{}, fmt.Errorf("row %d: invalid tag id %q", row, s)
			}
			p.TagIDs = append(p.TagIDs, id)
		}
	}
	return p, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
