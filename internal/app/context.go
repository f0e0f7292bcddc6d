package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mobiflow/internal/config"
	"mobiflow/internal/domain"
	"mobiflow/internal/repo"
)

// EnsurePipeline seeds the stage catalog from config when the database has
// no active stages yet. Reruns against a seeded catalog are no-ops.
func EnsurePipeline(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	stages, err := r.ActiveStagesOrdered(ctx)
	if err != nil {
		return err
	}
	if len(stages) > 0 {
		return nil
	}
	if cfg == nil || len(cfg.Pipeline.Stages) == 0 {
		return nil
	}
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	for _, seed := range cfg.Pipeline.Stages {
		s := domain.Stage{
			ID:                  uuid.NewSHA1(uuid.NameSpaceOID, []byte("stage|"+seed.Name+"|"+now)).String(),
			Name:                seed.Name,
			Description:         seed.Description,
			Position:            seed.Position,
			DeadlineDays:        seed.DeadlineDays,
			InactivityAlertDays: seed.InactivityAlertDays,
			OwnerEmail:          seed.OwnerEmail,
			Active:              true,
			CreatedAt:           now,
		}
		if err := r.InsertStage(ctx, tx, s); err != nil {
			return fmt.Errorf("seed stage %s: %w", seed.Name, err)
		}
		for i, taskSeed := range seed.Checklist {
			position := taskSeed.Position
			if position == 0 {
				position = i + 1
			}
			t := domain.StageTask{
				ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("task|"+s.ID+"|"+taskSeed.Task)).String(),
				StageID:     s.ID,
				Task:        taskSeed.Task,
				Description: taskSeed.Description,
				Required:    taskSeed.Required,
				Position:    position,
				Active:      true,
				CreatedAt:   now,
			}
			if err := r.InsertStageTask(ctx, tx, t); err != nil {
				return fmt.Errorf("seed task %s: %w", taskSeed.Task, err)
			}
		}
	}
	return tx.Commit()
}
