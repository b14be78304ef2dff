package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/npdlabs/npd/internal/model"
)

// ListTeams returns all teams linked to a directory group.
func (db *DB) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, directory_group_id, created_at FROM teams
		 WHERE directory_group_id <> ''
		 ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list teams: %w", err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		var t model.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.DirectoryGroupID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// GetTeam retrieves a team by ID.
func (db *DB) GetTeam(ctx context.Context, id uuid.UUID) (model.Team, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, directory_group_id, created_at FROM teams WHERE id = $1`, id)
	var t model.Team
	if err := row.Scan(&t.ID, &t.Name, &t.DirectoryGroupID, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Team{}, ErrNotFound
		}
		return model.Team{}, fmt.Errorf("storage: get team: %w", err)
	}
	return t, nil
}

// CreateTeam inserts a team.
func (db *DB) CreateTeam(ctx context.Context, name, directoryGroupID string) (model.Team, error) {
	t := model.Team{ID: uuid.New(), Name: name, DirectoryGroupID: directoryGroupID, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO teams (id, name, directory_group_id, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.DirectoryGroupID, t.CreatedAt,
	)
	if err != nil {
		return model.Team{}, fmt.Errorf("storage: create team: %w", err)
	}
	return t, nil
}

// ReplaceTeamMembers swaps a team's member set for the directory's view of
// the group. Membership is reconciled wholesale on each team-sync run.
func (db *DB) ReplaceTeamMembers(ctx context.Context, teamID uuid.UUID, memberEmails []string) (added int, removed int, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: begin team member replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM team_members WHERE team_id = $1 AND NOT (member_email = ANY($2))`,
		teamID, memberEmails,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: remove departed members: %w", err)
	}
	removed = int(tag.RowsAffected())

	for _, email := range memberEmails {
		tag, err := tx.Exec(ctx,
			`INSERT INTO team_members (team_id, member_email, added_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (team_id, member_email) DO NOTHING`,
			teamID, email,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("storage: add member: %w", err)
		}
		added += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("storage: commit team member replace: %w", err)
	}
	return added, removed, nil
}
