package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/nidhogg/teamexec/internal/team"
)

const teamColumnsSQL = "id, owner_user_id, name, agent_ids, workflow, created_at, updated_at"

type teamRow struct {
	ID          string    `db:"id"`
	OwnerUserID string    `db:"owner_user_id"`
	Name        string    `db:"name"`
	AgentIDs    []byte    `db:"agent_ids"`
	Workflow    []byte    `db:"workflow"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *teamRow) toConfig() (*team.Config, error) {
	cfg := &team.Config{
		ID:          r.ID,
		OwnerUserID: r.OwnerUserID,
		Name:        r.Name,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal(r.AgentIDs, &cfg.AgentIDs); err != nil {
		return nil, fmt.Errorf("decode agent_ids of team %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Workflow, &cfg.Workflow); err != nil {
		return nil, fmt.Errorf("decode workflow of team %s: %w", r.ID, err)
	}
	return cfg, nil
}

// CreateTeam inserts a team, assigning an id when it has none.
func (s *Store) CreateTeam(ctx context.Context, cfg *team.Config) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	agentIDs, err := json.Marshal(cfg.AgentIDs)
	if err != nil {
		return fmt.Errorf("marshal agent_ids: %w", err)
	}
	workflow, err := json.Marshal(cfg.Workflow)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO teams (id, owner_user_id, name, agent_ids, workflow, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		cfg.ID, cfg.OwnerUserID, cfg.Name, agentIDs, workflow, now,
	)
	if err != nil {
		return fmt.Errorf("create team %s: %w", cfg.ID, err)
	}
	return nil
}

// GetTeam loads a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*team.Config, error) {
	var row teamRow
	err := pgxscan.Get(ctx, s.db, &row, "SELECT "+teamColumnsSQL+" FROM teams WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "team", id)
	}
	return row.toConfig()
}

// ListTeams returns the teams owned by ownerUserID, oldest first.
func (s *Store) ListTeams(ctx context.Context, ownerUserID string) ([]*team.Config, error) {
	var rows []teamRow
	err := pgxscan.Select(ctx, s.db, &rows,
		"SELECT "+teamColumnsSQL+" FROM teams WHERE owner_user_id = $1 ORDER BY created_at", ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	out := make([]*team.Config, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
