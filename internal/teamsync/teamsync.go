// Package teamsync reconciles local team membership against an external
// directory. Each TEAM_SYNC run replaces every linked team's member set
// with the directory group's current members.
package teamsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/npdlabs/npd/internal/model"
	"github.com/npdlabs/npd/internal/queue"
)

// Directory lists the members of one directory group.
type Directory interface {
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// Store is the syncer's view of persistence.
type Store interface {
	ListTeams(ctx context.Context) ([]model.Team, error)
	ReplaceTeamMembers(ctx context.Context, teamID uuid.UUID, memberEmails []string) (added int, removed int, err error)
}

// Syncer reconciles teams against the directory.
type Syncer struct {
	store     Store
	directory Directory
	logger    *slog.Logger
}

// New wires a syncer.
func New(store Store, directory Directory, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, directory: directory, logger: logger}
}

// Sync reconciles every directory-linked team. Per-team directory failures
// are counted, not fatal; the run errors only when every team failed.
func (s *Syncer) Sync(ctx context.Context) (map[string]any, error) {
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("teamsync: list teams: %w", err)
	}

	var synced, failed, added, removed int
	var firstErr error
	for _, team := range teams {
		members, err := s.directory.GroupMembers(ctx, team.DirectoryGroupID)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("directory group lookup failed",
				"team", team.Name, "group_id", team.DirectoryGroupID, "error", err)
			continue
		}

		a, r, err := s.store.ReplaceTeamMembers(ctx, team.ID, normalizeEmails(members))
		if err != nil {
			return nil, fmt.Errorf("teamsync: replace members of %s: %w", team.Name, err)
		}
		synced++
		added += a
		removed += r
	}

	if len(teams) > 0 && synced == 0 && failed == len(teams) {
		return nil, fmt.Errorf("teamsync: all %d directory lookups failed: %w", failed, firstErr)
	}
	return map[string]any{
		"teams":           len(teams),
		"teams_synced":    synced,
		"teams_failed":    failed,
		"members_added":   added,
		"members_removed": removed,
	}, nil
}

// Handler adapts the syncer to the job queue. Like JIRA_REFRESH, TEAM_SYNC
// is enqueued with no entity and dedups to a global singleton.
func (s *Syncer) Handler() queue.Handler {
	return func(ctx context.Context, _ *model.Job) (map[string]any, error) {
		return s.Sync(ctx)
	}
}

// normalizeEmails lowercases, trims, and dedupes directory addresses so the
// member table never holds case variants of one person.
func normalizeEmails(emails []string) []string {
	seen := make(map[string]bool, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
