package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mobiflow/internal/config"
	"mobiflow/internal/deadline"
	"mobiflow/internal/domain"
	"mobiflow/internal/engine/auth"
	"mobiflow/internal/events"
	"mobiflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// --- stage catalog ---

// StageCreateOptions are parameters for creating a pipeline stage.
type StageCreateOptions struct {
	ID                  string
	Name                string
	Description         string
	Position            int
	DeadlineDays        int
	InactivityAlertDays int
	OwnerEmail          string
	ActorID             string
}

func (e Engine) CreateStage(ctx context.Context, opts StageCreateOptions) (domain.Stage, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Stage{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.OwnerEmail) == "" {
		return domain.Stage{}, errors.New("owner_email is required")
	}
	if opts.DeadlineDays <= 0 {
		return domain.Stage{}, errors.New("deadline_days must be positive")
	}
	if opts.Position == 0 {
		max, err := e.Repo.MaxPosition(ctx)
		if err != nil {
			return domain.Stage{}, err
		}
		opts.Position = max + 1
	}
	if opts.Position < 0 {
		return domain.Stage{}, errors.New("position must be positive")
	}
	taken, err := e.Repo.ActivePositionTaken(ctx, opts.Position, "")
	if err != nil {
		return domain.Stage{}, err
	}
	if taken {
		return domain.Stage{}, businessErrf(CodeDuplicateOrder, "position %d already held by an active stage", opts.Position)
	}
	id := opts.ID
	now := e.nowRFC3339()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("stage|"+opts.Name+"|"+now)).String()
	}
	s := domain.Stage{
		ID:                  id,
		Name:                opts.Name,
		Description:         opts.Description,
		Position:            opts.Position,
		DeadlineDays:        opts.DeadlineDays,
		InactivityAlertDays: opts.InactivityAlertDays,
		OwnerEmail:          opts.OwnerEmail,
		Active:              true,
		CreatedAt:           now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
		return domain.Stage{}, fmt.Errorf("insert stage: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "stage.created", "stage", s.ID, opts.ActorID, events.EventPayload{
		"name": s.Name, "position": s.Position,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// StageUpdateOptions carries partial stage updates; nil fields are left
// untouched.
type StageUpdateOptions struct {
	StageID             string
	Name                *string
	Description         *string
	Position            *int
	DeadlineDays        *int
	InactivityAlertDays *int
	OwnerEmail          *string
	Active              *bool
	ActorID             string
}

// UpdateStage applies a partial update. Changing deadline_days affects only
// cards that enter the stage afterwards; stored card deadlines stand.
func (e Engine) UpdateStage(ctx context.Context, opts StageUpdateOptions) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, opts.StageID)
	if err != nil {
		return domain.Stage{}, err
	}
	changed := events.EventPayload{}
	if opts.Name != nil && *opts.Name != s.Name {
		s.Name = *opts.Name
		changed["name"] = s.Name
	}
	if opts.Description != nil {
		s.Description = *opts.Description
		changed["description"] = s.Description
	}
	if opts.DeadlineDays != nil {
		if *opts.DeadlineDays <= 0 {
			return domain.Stage{}, errors.New("deadline_days must be positive")
		}
		s.DeadlineDays = *opts.DeadlineDays
		changed["deadline_days"] = s.DeadlineDays
	}
	if opts.InactivityAlertDays != nil {
		s.InactivityAlertDays = *opts.InactivityAlertDays
		changed["inactivity_alert_days"] = s.InactivityAlertDays
	}
	if opts.OwnerEmail != nil {
		if strings.TrimSpace(*opts.OwnerEmail) == "" {
			return domain.Stage{}, errors.New("owner_email is required")
		}
		s.OwnerEmail = *opts.OwnerEmail
		changed["owner_email"] = s.OwnerEmail
	}
	if opts.Active != nil {
		s.Active = *opts.Active
		changed["active"] = s.Active
	}
	if opts.Position != nil && *opts.Position != s.Position {
		s.Position = *opts.Position
		changed["position"] = s.Position
	}
	if s.Active {
		taken, err := e.Repo.ActivePositionTaken(ctx, s.Position, s.ID)
		if err != nil {
			return domain.Stage{}, err
		}
		if taken {
			return domain.Stage{}, businessErrf(CodeDuplicateOrder, "position %d already held by an active stage", s.Position)
		}
	}
	if len(changed) == 0 {
		return s, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStage(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.updated", "stage", s.ID, opts.ActorID, changed); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// AddStageTask appends a task to a stage's checklist template. Existing
// cards keep their current checklist; the template applies on next entry.
func (e Engine) AddStageTask(ctx context.Context, stageID, task, description string, required bool, position int, actorID string) (domain.StageTask, error) {
	if strings.TrimSpace(task) == "" {
		return domain.StageTask{}, errors.New("task is required")
	}
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.StageTask{}, err
	}
	if position == 0 {
		existing, err := e.Repo.ListStageTasks(ctx, stageID, false)
		if err != nil {
			return domain.StageTask{}, err
		}
		for _, t := range existing {
			if t.Position >= position {
				position = t.Position + 1
			}
		}
		if position == 0 {
			position = 1
		}
	}
	now := e.nowRFC3339()
	t := domain.StageTask{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("task|"+s.ID+"|"+task+"|"+now)).String(),
		StageID:     s.ID,
		Task:        task,
		Description: description,
		Required:    required,
		Position:    position,
		Active:      true,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageTask{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStageTask(ctx, tx, t); err != nil {
		return domain.StageTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.task.added", "stage", s.ID, actorID, events.EventPayload{
		"task": t.Task, "required": t.Required,
	}); err != nil {
		return domain.StageTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageTask{}, err
	}
	return t, nil
}

// StageTaskUpdateOptions carries partial template-task updates.
type StageTaskUpdateOptions struct {
	TaskID   string
	Task     *string
	Required *bool
	Position *int
	Active   *bool
	ActorID  string
}

func (e Engine) UpdateStageTask(ctx context.Context, opts StageTaskUpdateOptions) (domain.StageTask, error) {
	t, err := e.Repo.GetStageTask(ctx, opts.TaskID)
	if err != nil {
		return domain.StageTask{}, err
	}
	changed := events.EventPayload{}
	if opts.Task != nil && *opts.Task != t.Task {
		if strings.TrimSpace(*opts.Task) == "" {
			return domain.StageTask{}, errors.New("task is required")
		}
		t.Task = *opts.Task
		changed["task"] = t.Task
	}
	if opts.Required != nil {
		t.Required = *opts.Required
		changed["required"] = t.Required
	}
	if opts.Position != nil {
		t.Position = *opts.Position
		changed["position"] = t.Position
	}
	if opts.Active != nil {
		t.Active = *opts.Active
		changed["active"] = t.Active
	}
	if len(changed) == 0 {
		return t, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageTask{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStageTask(ctx, tx, t); err != nil {
		return domain.StageTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.task.updated", "stage", t.StageID, opts.ActorID, changed); err != nil {
		return domain.StageTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageTask{}, err
	}
	return t, nil
}

// --- cards ---

// CardCreateOptions are parameters for opening an onboarding card.
type CardCreateOptions struct {
	ID           string
	EmployeeName string
	TaxID        string
	Role         string
	Salary       *float64
	CostCenter   string
	HireDate     string
	OwnerEmail   string
	Notes        string
	ActorID      string
}

// CreateCard opens a card in the entry stage with a fresh checklist
// instance built from the stage's template.
func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if strings.TrimSpace(opts.EmployeeName) == "" {
		return domain.Card{}, errors.New("employee_name is required")
	}
	entry, err := e.Repo.EntryStage(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Card{}, businessErrf(CodeNoActiveStages, "no active stages configured")
		}
		return domain.Card{}, err
	}
	if opts.TaxID != "" {
		if _, err := e.Repo.CardByTaxID(ctx, opts.TaxID); err == nil {
			return domain.Card{}, businessErrf(CodeDuplicateTaxID, "a card already exists for tax id %s", opts.TaxID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Card{}, err
		}
	}
	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("card|"+opts.EmployeeName+"|"+now)).String()
	}
	owner := opts.OwnerEmail
	if owner == "" {
		owner = entry.OwnerEmail
	}
	c := domain.Card{
		ID:             id,
		EmployeeName:   opts.EmployeeName,
		TaxID:          optionalString(opts.TaxID),
		Role:           opts.Role,
		Salary:         opts.Salary,
		CostCenter:     opts.CostCenter,
		HireDate:       optionalString(opts.HireDate),
		StageID:        entry.ID,
		StageStatus:    domain.StatusNotStarted,
		StageEnteredAt: now,
		StageDeadline:  deadline.Deadline(nowT, entry.DeadlineDays).Format(time.RFC3339),
		OwnerEmail:     owner,
		Notes:          opts.Notes,
		CreatedAt:      now,
		CreatedBy:      opts.ActorID,
		UpdatedAt:      now,
		UpdatedBy:      opts.ActorID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCard(ctx, tx, c); err != nil {
		return domain.Card{}, fmt.Errorf("insert card: %w", err)
	}
	if err := e.instantiateChecklist(ctx, tx, c.ID, entry.ID); err != nil {
		return domain.Card{}, err
	}
	if err := e.Events.Append(ctx, tx, "card.created", "card", c.ID, opts.ActorID, events.EventPayload{
		"employee_name": c.EmployeeName, "stage_id": c.StageID,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

// instantiateChecklist replaces the card's checklist with fresh items from
// the stage's active template tasks.
func (e Engine) instantiateChecklist(ctx context.Context, tx *sql.Tx, cardID, stageID string) error {
	if err := e.Repo.DeleteChecklistItems(ctx, tx, cardID); err != nil {
		return err
	}
	tasks, err := e.Repo.ListStageTasks(ctx, stageID, true)
	if err != nil {
		return err
	}
	items := make([]domain.ChecklistItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, domain.ChecklistItem{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("item|"+cardID+"|"+t.ID)).String(),
			CardID:      cardID,
			StageTaskID: t.ID,
		})
	}
	return e.Repo.InsertChecklistItems(ctx, tx, items)
}

// MoveOptions are parameters for a stage transition.
type MoveOptions struct {
	CardID    string
	ToStageID string
	Reason    string
	ActorID   string
}

// MoveCard transitions a card to another active stage. The move resets the
// stage status to not_started, recomputes the deadline from the target
// stage's allowance, replaces the checklist instance, records the movement
// with the days spent in the source stage, and queues a notification to the
// target stage's owner. Everything happens in one transaction.
func (e Engine) MoveCard(ctx context.Context, opts MoveOptions) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	target, err := e.Repo.GetStage(ctx, opts.ToStageID)
	if err != nil {
		return domain.Card{}, err
	}
	// an inactive stage is not a valid move target; it reads as absent
	if !target.Active {
		return domain.Card{}, fmt.Errorf("stage %s: %w", target.ID, repo.ErrNotFound)
	}
	if target.ID == c.StageID {
		return domain.Card{}, fmt.Errorf("card already in stage %s", target.ID)
	}
	enteredAt, err := time.Parse(time.RFC3339, c.StageEnteredAt)
	if err != nil {
		return domain.Card{}, fmt.Errorf("parse stage_entered_at: %w", err)
	}
	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if opts.ActorID != "" {
		ok, err := e.Auth.ActorCanEditStage(ctx, tx, opts.ActorID, c.StageID)
		if err != nil {
			return domain.Card{}, err
		}
		if !ok {
			return domain.Card{}, auth.ForbiddenError{StageID: c.StageID}
		}
	}

	fromStage := c.StageID
	fromStatus := c.StageStatus
	m := domain.Movement{
		CardID:      c.ID,
		FromStageID: &fromStage,
		ToStageID:   target.ID,
		MovedAt:     now,
		ActorID:     opts.ActorID,
		Reason:      opts.Reason,
		DaysInStage: deadline.DaysBetween(enteredAt, nowT),
		FromStatus:  fromStatus,
		ToStatus:    domain.StatusNotStarted,
	}
	c.StageID = target.ID
	c.StageStatus = domain.StatusNotStarted
	c.StageEnteredAt = now
	c.StageDeadline = deadline.Deadline(nowT, target.DeadlineDays).Format(time.RFC3339)
	c.OwnerEmail = target.OwnerEmail
	c.UpdatedAt = now
	c.UpdatedBy = opts.ActorID

	if err := e.Repo.UpdateCard(ctx, tx, c); err != nil {
		return domain.Card{}, err
	}
	if err := e.Repo.InsertMovement(ctx, tx, m); err != nil {
		return domain.Card{}, fmt.Errorf("insert movement: %w", err)
	}
	if err := e.instantiateChecklist(ctx, tx, c.ID, target.ID); err != nil {
		return domain.Card{}, err
	}
	n := domain.Notification{
		ID:        uuid.NewString(),
		Kind:      domain.KindCardMoved,
		Title:     fmt.Sprintf("%s entered %s", c.EmployeeName, target.Name),
		Body:      fmt.Sprintf("Card for %s moved into stage %q after %d day(s) in the previous stage.", c.EmployeeName, target.Name, m.DaysInStage),
		Recipient: target.OwnerEmail,
		CardID:    &c.ID,
		StageID:   &target.ID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertNotification(ctx, tx, n); err != nil {
		return domain.Card{}, fmt.Errorf("queue move notification: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "card.moved", "card", c.ID, opts.ActorID, events.EventPayload{
		"from_stage": fromStage, "to_stage": target.ID, "days_in_stage": m.DaysInStage,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

// NextStage resolves the active stage immediately after the card's current
// one in pipeline order.
func (e Engine) NextStage(ctx context.Context, c domain.Card) (domain.Stage, error) {
	current, err := e.Repo.GetStage(ctx, c.StageID)
	if err != nil {
		return domain.Stage{}, err
	}
	stages, err := e.Repo.ActiveStagesOrdered(ctx)
	if err != nil {
		return domain.Stage{}, err
	}
	for _, s := range stages {
		if s.Position > current.Position {
			return s, nil
		}
	}
	return domain.Stage{}, repo.ErrNotFound
}

// CardUpdateOptions carries partial card updates; nil fields are untouched.
type CardUpdateOptions struct {
	CardID       string
	EmployeeName *string
	Role         *string
	Salary       *float64
	CostCenter   *string
	HireDate     *string
	OwnerEmail   *string
	Notes        *string
	StageStatus  *string
	ActorID      string
}

// UpdateCard applies a partial update. Setting stage_status to finalized is
// gated on the card's required checklist items all being done.
func (e Engine) UpdateCard(ctx context.Context, opts CardUpdateOptions) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	changed := events.EventPayload{}
	if opts.EmployeeName != nil && *opts.EmployeeName != c.EmployeeName {
		if strings.TrimSpace(*opts.EmployeeName) == "" {
			return domain.Card{}, errors.New("employee_name is required")
		}
		c.EmployeeName = *opts.EmployeeName
		changed["employee_name"] = c.EmployeeName
	}
	if opts.Role != nil {
		c.Role = *opts.Role
		changed["role"] = c.Role
	}
	if opts.Salary != nil {
		c.Salary = opts.Salary
		changed["salary"] = *opts.Salary
	}
	if opts.CostCenter != nil {
		c.CostCenter = *opts.CostCenter
		changed["cost_center"] = c.CostCenter
	}
	if opts.HireDate != nil {
		c.HireDate = optionalString(*opts.HireDate)
		changed["hire_date"] = *opts.HireDate
	}
	if opts.OwnerEmail != nil {
		c.OwnerEmail = *opts.OwnerEmail
		changed["owner_email"] = c.OwnerEmail
	}
	if opts.Notes != nil {
		c.Notes = *opts.Notes
		changed["notes"] = c.Notes
	}
	if opts.StageStatus != nil && *opts.StageStatus != c.StageStatus {
		if !domain.ValidStageStatus(*opts.StageStatus) {
			return domain.Card{}, businessErrf(CodeInvalidStatus, "unknown stage status %q", *opts.StageStatus)
		}
		if *opts.StageStatus == domain.StatusFinalized {
			pending, err := e.Repo.CountPendingRequired(ctx, c.ID)
			if err != nil {
				return domain.Card{}, err
			}
			if pending > 0 {
				return domain.Card{}, businessErrf(CodeChecklistIncomplete, "%d required checklist item(s) pending", pending)
			}
		}
		c.StageStatus = *opts.StageStatus
		changed["stage_status"] = c.StageStatus
	}
	if len(changed) == 0 {
		return c, nil
	}
	now := e.nowRFC3339()
	c.UpdatedAt = now
	c.UpdatedBy = opts.ActorID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if opts.ActorID != "" {
		ok, err := e.Auth.ActorCanEditStage(ctx, tx, opts.ActorID, c.StageID)
		if err != nil {
			return domain.Card{}, err
		}
		if !ok {
			return domain.Card{}, auth.ForbiddenError{StageID: c.StageID}
		}
	}
	if err := e.Repo.UpdateCard(ctx, tx, c); err != nil {
		return domain.Card{}, err
	}
	if err := e.Events.Append(ctx, tx, "card.updated", "card", c.ID, opts.ActorID, changed); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

// SetChecklistItem marks one checklist item done or undone. The card's
// updated_at is bumped so inactivity scans see the activity.
func (e Engine) SetChecklistItem(ctx context.Context, cardID, itemID string, done bool, note, actorID string) (domain.ChecklistItem, error) {
	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	it, err := e.Repo.GetChecklistItem(ctx, cardID, itemID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	now := e.nowRFC3339()
	it.Done = done
	if done {
		it.DoneAt = &now
		if actorID != "" {
			it.DoneBy = &actorID
		}
	} else {
		it.DoneAt = nil
		it.DoneBy = nil
	}
	if note != "" {
		it.Note = note
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	if actorID != "" {
		ok, err := e.Auth.ActorCanEditStage(ctx, tx, actorID, c.StageID)
		if err != nil {
			return domain.ChecklistItem{}, err
		}
		if !ok {
			return domain.ChecklistItem{}, auth.ForbiddenError{StageID: c.StageID}
		}
	}
	if err := e.Repo.UpdateChecklistItem(ctx, tx, it); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.Repo.TouchCard(ctx, tx, cardID, now, actorID); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "card.checklist.set", "card", cardID, actorID, events.EventPayload{
		"item": it.Task, "done": done,
	}); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	return it, nil
}

// CanFinalize reports whether the card's stage work can be finalized and
// returns the required items still pending.
func (e Engine) CanFinalize(ctx context.Context, cardID string) (bool, []domain.ChecklistItem, error) {
	if _, err := e.Repo.GetCard(ctx, cardID); err != nil {
		return false, nil, err
	}
	items, err := e.Repo.ListChecklist(ctx, cardID)
	if err != nil {
		return false, nil, err
	}
	pending := deadline.PendingRequired(items)
	return len(pending) == 0, pending, nil
}

// DeleteCard removes a card and everything hanging off it.
func (e Engine) DeleteCard(ctx context.Context, cardID, actorID string) error {
	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if actorID != "" {
		ok, err := e.Auth.ActorCanEditStage(ctx, tx, actorID, c.StageID)
		if err != nil {
			return err
		}
		if !ok {
			return auth.ForbiddenError{StageID: c.StageID}
		}
	}
	if err := e.Repo.DeleteCardCascade(ctx, tx, cardID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "card.deleted", "card", cardID, actorID, events.EventPayload{
		"employee_name": c.EmployeeName,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- groups ---

// GrantStageGroup permits a group to edit cards in a stage, creating the
// group on first use.
func (e Engine) GrantStageGroup(ctx context.Context, stageID, groupID, actorID string) error {
	if _, err := e.Repo.GetStage(ctx, stageID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.EnsureGroup(ctx, tx, groupID, "", now); err != nil {
		return err
	}
	if err := e.Repo.AllowGroupForStage(ctx, tx, stageID, groupID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stage.group.granted", "stage", stageID, actorID, events.EventPayload{"group": groupID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeStageGroup removes a group's edit rights on a stage.
func (e Engine) RevokeStageGroup(ctx context.Context, stageID, groupID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DenyGroupForStage(ctx, tx, stageID, groupID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stage.group.revoked", "stage", stageID, actorID, events.EventPayload{"group": groupID}); err != nil {
		return err
	}
	return tx.Commit()
}

// JoinGroup adds an actor to a group, creating both rows when missing.
func (e Engine) JoinGroup(ctx context.Context, actorID, groupID, byActorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.EnsureGroup(ctx, tx, groupID, "", now); err != nil {
		return err
	}
	if err := e.Repo.AddActorToGroup(ctx, tx, actorID, groupID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "group.joined", "group", groupID, byActorID, events.EventPayload{"actor": actorID}); err != nil {
		return err
	}
	return tx.Commit()
}

// LeaveGroup removes an actor from a group.
func (e Engine) LeaveGroup(ctx context.Context, actorID, groupID, byActorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.RemoveActorFromGroup(ctx, tx, actorID, groupID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "group.left", "group", groupID, byActorID, events.EventPayload{"actor": actorID}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- board ---

// BoardColumn is one stage of the board summary.
type BoardColumn struct {
	Stage   domain.Stage `json:"stage"`
	Total   int          `json:"total"`
	Overdue int          `json:"overdue"`
	DueSoon int          `json:"due_soon"`
}

// Board summarizes card distribution and deadline health per active stage.
func (e Engine) Board(ctx context.Context) ([]BoardColumn, error) {
	stages, err := e.Repo.ActiveStagesOrdered(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.CountCardsByStage(ctx)
	if err != nil {
		return nil, err
	}
	open, err := e.Repo.ListOpenCards(ctx)
	if err != nil {
		return nil, err
	}
	nowT := e.now().UTC()
	overdue := map[string]int{}
	dueSoon := map[string]int{}
	for _, c := range open {
		st, err := deadline.ForCard(c, nowT)
		if err != nil {
			return nil, err
		}
		switch st {
		case deadline.Overdue:
			overdue[c.StageID]++
		case deadline.DueSoon:
			dueSoon[c.StageID]++
		}
	}
	cols := make([]BoardColumn, 0, len(stages))
	for _, s := range stages {
		cols = append(cols, BoardColumn{
			Stage:   s,
			Total:   counts[s.ID],
			Overdue: overdue[s.ID],
			DueSoon: dueSoon[s.ID],
		})
	}
	return cols, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
