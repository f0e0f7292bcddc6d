package repo

import (
	"context"
	"database/sql"

	"mobiflow/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) EnsureGroup(ctx context.Context, tx *sql.Tx, groupID, name, now string) error {
	if name == "" {
		name = groupID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO groups(id, name, created_at) VALUES (?,?,?)`, groupID, name, now)
	return err
}

func (r Repo) AddActorToGroup(ctx context.Context, tx *sql.Tx, actorID, groupID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_groups(actor_id, group_id) VALUES (?,?)`, actorID, groupID)
	return err
}

func (r Repo) RemoveActorFromGroup(ctx context.Context, tx *sql.Tx, actorID, groupID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_groups WHERE actor_id=? AND group_id=?`, actorID, groupID)
	return err
}

// AllowGroupForStage grants a group edit rights on a stage's cards.
func (r Repo) AllowGroupForStage(ctx context.Context, tx *sql.Tx, stageID, groupID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_groups(stage_id, group_id) VALUES (?,?)`, stageID, groupID)
	return err
}

func (r Repo) DenyGroupForStage(ctx context.Context, tx *sql.Tx, stageID, groupID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM stage_groups WHERE stage_id=? AND group_id=?`, stageID, groupID)
	return err
}

func (r Repo) ActorGroups(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT group_id FROM actor_groups WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r Repo) StageGroups(ctx context.Context, stageID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT group_id FROM stage_groups WHERE stage_id=?`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r Repo) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, created_at FROM groups ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
