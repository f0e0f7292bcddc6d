package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdminGroup members may edit cards in any stage.
const AdminGroup = "admin"

// ForbiddenError indicates the actor's groups grant no access to a stage.
type ForbiddenError struct {
	StageID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("stage %s not editable by actor's groups", e.StageID)
}

// Service answers group-based stage access questions backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// ActorCanEditStage reports whether the actor may touch cards in the stage.
// A stage with no group restrictions is open to everyone; admins always
// pass.
func (s Service) ActorCanEditStage(ctx context.Context, tx *sql.Tx, actorID, stageID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_groups WHERE stage_id=?`, stageID)
	var restrictions int
	if err := row.Scan(&restrictions); err != nil {
		return false, err
	}
	if restrictions == 0 {
		return true, nil
	}
	row = tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_groups ag
WHERE ag.actor_id=? AND (ag.group_id=? OR ag.group_id IN (SELECT group_id FROM stage_groups WHERE stage_id=?)) LIMIT 1`,
		actorID, AdminGroup, stageID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActorGroups lists the actor's group memberships.
func (s Service) ActorGroups(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT group_id FROM actor_groups WHERE actor_id=?`, actorID)
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
