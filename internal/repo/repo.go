package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mobiflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- stages ---

const stageColumns = `id,name,COALESCE(description,'') AS description,position,deadline_days,inactivity_alert_days,owner_email,active,created_at`

func scanStage(row *sql.Row) (domain.Stage, error) {
	var s domain.Stage
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Position, &s.DeadlineDays, &s.InactivityAlertDays, &s.OwnerEmail, &s.Active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,name,description,position,deadline_days,inactivity_alert_days,owner_email,active,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Description), s.Position, s.DeadlineDays, s.InactivityAlertDays, s.OwnerEmail, s.Active, s.CreatedAt)
	return err
}

func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET name=?, description=?, position=?, deadline_days=?, inactivity_alert_days=?, owner_email=?, active=? WHERE id=?`,
		s.Name, nullable(s.Description), s.Position, s.DeadlineDays, s.InactivityAlertDays, s.OwnerEmail, s.Active, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

// ActiveStageByPosition resolves an active stage by its pipeline position.
func (r Repo) ActiveStageByPosition(ctx context.Context, position int) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE position=? AND active=1`, position))
}

// EntryStage returns the lowest-position active stage.
func (r Repo) EntryStage(ctx context.Context) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE active=1 ORDER BY position ASC LIMIT 1`))
}

// MaxPosition returns the highest position among active stages, 0 when the
// catalog is empty.
func (r Repo) MaxPosition(ctx context.Context) (int, error) {
	var pos sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(position) FROM stages WHERE active=1`).Scan(&pos)
	if err != nil {
		return 0, err
	}
	if !pos.Valid {
		return 0, nil
	}
	return int(pos.Int64), nil
}

// ActivePositionTaken reports whether another active stage already holds the
// given position.
func (r Repo) ActivePositionTaken(ctx context.Context, position int, excludeStageID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM stages WHERE position=? AND active=1 AND id<>? LIMIT 1`, position, excludeStageID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActiveStagesOrdered returns active stages sorted ascending by position.
func (r Repo) ActiveStagesOrdered(ctx context.Context) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE active=1 ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Position, &s.DeadlineDays, &s.InactivityAlertDays, &s.OwnerEmail, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- stage tasks (checklist templates) ---

func (r Repo) InsertStageTask(ctx context.Context, tx *sql.Tx, t domain.StageTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_tasks(id,stage_id,task,description,required,position,active,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.StageID, t.Task, nullable(t.Description), t.Required, t.Position, t.Active, t.CreatedAt)
	return err
}

func (r Repo) UpdateStageTask(ctx context.Context, tx *sql.Tx, t domain.StageTask) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_tasks SET task=?, description=?, required=?, position=?, active=? WHERE id=? AND stage_id=?`,
		t.Task, nullable(t.Description), t.Required, t.Position, t.Active, t.ID, t.StageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStageTask(ctx context.Context, id string) (domain.StageTask, error) {
	var t domain.StageTask
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,stage_id,task,description,required,position,active,created_at FROM stage_tasks WHERE id=?`, id).
		Scan(&t.ID, &t.StageID, &t.Task, &desc, &t.Required, &t.Position, &t.Active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return t, err
}

// ListStageTasks returns a stage's template tasks in template order.
func (r Repo) ListStageTasks(ctx context.Context, stageID string, activeOnly bool) ([]domain.StageTask, error) {
	query := `SELECT id,stage_id,task,COALESCE(description,''),required,position,active,created_at FROM stage_tasks WHERE stage_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY position ASC`
	rows, err := r.DB.QueryContext(ctx, query, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTask
	for rows.Next() {
		var t domain.StageTask
		if err := rows.Scan(&t.ID, &t.StageID, &t.Task, &t.Description, &t.Required, &t.Position, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- cards ---

const cardColumns = `id,employee_name,tax_id,role,salary,cost_center,hire_date,stage_id,stage_status,stage_entered_at,stage_deadline,owner_email,notes,created_at,created_by,updated_at,updated_by`

func scanCardRow(scan func(dest ...any) error) (domain.Card, error) {
	var c domain.Card
	var taxID, role, costCenter, hireDate, notes, createdBy, updatedBy sql.NullString
	var salary sql.NullFloat64
	err := scan(&c.ID, &c.EmployeeName, &taxID, &role, &salary, &costCenter, &hireDate,
		&c.StageID, &c.StageStatus, &c.StageEnteredAt, &c.StageDeadline, &c.OwnerEmail, &notes,
		&c.CreatedAt, &createdBy, &c.UpdatedAt, &updatedBy)
	if err != nil {
		return c, err
	}
	if taxID.Valid {
		c.TaxID = &taxID.String
	}
	if role.Valid {
		c.Role = role.String
	}
	if salary.Valid {
		c.Salary = &salary.Float64
	}
	if costCenter.Valid {
		c.CostCenter = costCenter.String
	}
	if hireDate.Valid {
		c.HireDate = &hireDate.String
	}
	if notes.Valid {
		c.Notes = notes.String
	}
	if createdBy.Valid {
		c.CreatedBy = createdBy.String
	}
	if updatedBy.Valid {
		c.UpdatedBy = updatedBy.String
	}
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.EmployeeName, nullableStringPtr(c.TaxID), nullable(c.Role), nullableFloatPtr(c.Salary), nullable(c.CostCenter), nullableStringPtr(c.HireDate),
		c.StageID, c.StageStatus, c.StageEnteredAt, c.StageDeadline, c.OwnerEmail, nullable(c.Notes),
		c.CreatedAt, nullable(c.CreatedBy), c.UpdatedAt, nullable(c.UpdatedBy))
	return err
}

func (r Repo) UpdateCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	res, err := tx.ExecContext(ctx, `UPDATE cards SET employee_name=?, tax_id=?, role=?, salary=?, cost_center=?, hire_date=?, stage_id=?, stage_status=?, stage_entered_at=?, stage_deadline=?, owner_email=?, notes=?, updated_at=?, updated_by=? WHERE id=?`,
		c.EmployeeName, nullableStringPtr(c.TaxID), nullable(c.Role), nullableFloatPtr(c.Salary), nullable(c.CostCenter), nullableStringPtr(c.HireDate),
		c.StageID, c.StageStatus, c.StageEnteredAt, c.StageDeadline, c.OwnerEmail, nullable(c.Notes), c.UpdatedAt, nullable(c.UpdatedBy), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchCard bumps a card's last-update audit fields without changing content.
func (r Repo) TouchCard(ctx context.Context, tx *sql.Tx, cardID, updatedAt, updatedBy string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cards SET updated_at=?, updated_by=? WHERE id=?`, updatedAt, nullable(updatedBy), cardID)
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id)
	c, err := scanCardRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id)
	c, err := scanCardRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// CardByTaxID looks a card up by the employee's tax id.
func (r Repo) CardByTaxID(ctx context.Context, taxID string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE tax_id=?`, taxID)
	c, err := scanCardRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// CardFilter narrows ListCards. OverdueAsOf, when set, selects cards whose
// deadline already passed at that instant.
type CardFilter struct {
	StageID         string
	Status          string
	OwnerEmail      string
	OverdueAsOf     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCards(ctx context.Context, f CardFilter) ([]domain.Card, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Status != "" {
		clauses = append(clauses, "stage_status=?")
		args = append(args, f.Status)
	}
	if f.OwnerEmail != "" {
		clauses = append(clauses, "owner_email=?")
		args = append(args, f.OwnerEmail)
	}
	if f.OverdueAsOf != "" {
		clauses = append(clauses, "stage_deadline < ? AND stage_status <> ?")
		args = append(args, f.OverdueAsOf, domain.StatusFinalized)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + cardColumns + ` FROM cards WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryCards(ctx, query, args...)
}

// ListOpenCardsDeadlineBefore returns non-finalized cards whose deadline
// passed before t.
func (r Repo) ListOpenCardsDeadlineBefore(ctx context.Context, t string) ([]domain.Card, error) {
	return r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE stage_deadline < ? AND stage_status <> ? ORDER BY stage_deadline ASC`,
		t, domain.StatusFinalized)
}

// ListOpenCardsDeadlineBetween returns non-finalized cards with a deadline in
// (from, to].
func (r Repo) ListOpenCardsDeadlineBetween(ctx context.Context, from, to string) ([]domain.Card, error) {
	return r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE stage_deadline >= ? AND stage_deadline <= ? AND stage_status <> ? ORDER BY stage_deadline ASC`,
		from, to, domain.StatusFinalized)
}

// ListStaleCards returns non-finalized cards in a stage whose last update
// predates the cutoff.
func (r Repo) ListStaleCards(ctx context.Context, stageID, updatedBefore string) ([]domain.Card, error) {
	return r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE stage_id=? AND updated_at < ? AND stage_status <> ? ORDER BY updated_at ASC`,
		stageID, updatedBefore, domain.StatusFinalized)
}

// ListOpenCards returns all non-finalized cards.
func (r Repo) ListOpenCards(ctx context.Context) ([]domain.Card, error) {
	return r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE stage_status <> ? ORDER BY created_at ASC`, domain.StatusFinalized)
}

func (r Repo) queryCards(ctx context.Context, query string, args ...any) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCardRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountCardsByStage returns card counts keyed by stage id.
func (r Repo) CountCardsByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_id, COUNT(*) FROM cards GROUP BY stage_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var stageID string
		var n int
		if err := rows.Scan(&stageID, &n); err != nil {
			return nil, err
		}
		counts[stageID] = n
	}
	return counts, rows.Err()
}

// DeleteCardCascade removes a card together with its checklist instance,
// movement history and card-scoped notifications. The cascade is explicit;
// the schema declares no ON DELETE behavior.
func (r Repo) DeleteCardCascade(ctx context.Context, tx *sql.Tx, cardID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM checklist_items WHERE card_id=?`, cardID); err != nil {
		return fmt.Errorf("delete checklist: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM movements WHERE card_id=?`, cardID); err != nil {
		return fmt.Errorf("delete movements: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE card_id=?`, cardID); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id=?`, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- checklist instances ---

func (r Repo) InsertChecklistItems(ctx context.Context, tx *sql.Tx, items []domain.ChecklistItem) error {
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(id,card_id,stage_task_id,done,done_at,done_by,note) VALUES (?,?,?,?,?,?,?)`,
			it.ID, it.CardID, it.StageTaskID, it.Done, nullableStringPtr(it.DoneAt), nullableStringPtr(it.DoneBy), nullable(it.Note)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChecklistItems drops a card's entire current checklist instance.
func (r Repo) DeleteChecklistItems(ctx context.Context, tx *sql.Tx, cardID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM checklist_items WHERE card_id=?`, cardID)
	return err
}

const checklistSelect = `SELECT ci.id, ci.card_id, ci.stage_task_id, st.task, st.required, st.position, ci.done, ci.done_at, ci.done_by, COALESCE(ci.note,'')
FROM checklist_items ci JOIN stage_tasks st ON st.id = ci.stage_task_id`

func scanChecklistItem(scan func(dest ...any) error) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var doneAt, doneBy sql.NullString
	err := scan(&it.ID, &it.CardID, &it.StageTaskID, &it.Task, &it.Required, &it.Position, &it.Done, &doneAt, &doneBy, &it.Note)
	if err != nil {
		return it, err
	}
	if doneAt.Valid {
		it.DoneAt = &doneAt.String
	}
	if doneBy.Valid {
		it.DoneBy = &doneBy.String
	}
	return it, nil
}

// ListChecklist returns a card's current checklist in template order.
func (r Repo) ListChecklist(ctx context.Context, cardID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, checklistSelect+` WHERE ci.card_id=? ORDER BY st.position ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanChecklistItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// GetChecklistItem fetches one item, scoped to the owning card.
func (r Repo) GetChecklistItem(ctx context.Context, cardID, itemID string) (domain.ChecklistItem, error) {
	row := r.DB.QueryRowContext(ctx, checklistSelect+` WHERE ci.card_id=? AND ci.id=?`, cardID, itemID)
	it, err := scanChecklistItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) UpdateChecklistItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET done=?, done_at=?, done_by=?, note=? WHERE id=? AND card_id=?`,
		it.Done, nullableStringPtr(it.DoneAt), nullableStringPtr(it.DoneBy), nullable(it.Note), it.ID, it.CardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingRequired counts a card's incomplete required checklist items.
func (r Repo) CountPendingRequired(ctx context.Context, cardID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM checklist_items ci JOIN stage_tasks st ON st.id = ci.stage_task_id
WHERE ci.card_id=? AND st.required=1 AND ci.done=0`, cardID).Scan(&n)
	return n, err
}

// --- movements ---

func (r Repo) InsertMovement(ctx context.Context, tx *sql.Tx, m domain.Movement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO movements(card_id,from_stage_id,to_stage_id,moved_at,actor_id,reason,days_in_stage,from_status,to_status)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.CardID, nullableStringPtr(m.FromStageID), m.ToStageID, m.MovedAt, m.ActorID, nullable(m.Reason), m.DaysInStage, nullable(m.FromStatus), m.ToStatus)
	return err
}

// ListMovements returns a card's movement history, oldest first.
func (r Repo) ListMovements(ctx context.Context, cardID string) ([]domain.Movement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,card_id,from_stage_id,to_stage_id,moved_at,actor_id,COALESCE(reason,''),days_in_stage,COALESCE(from_status,''),to_status
FROM movements WHERE card_id=? ORDER BY moved_at ASC, id ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Movement
	for rows.Next() {
		var m domain.Movement
		var fromStage sql.NullString
		if err := rows.Scan(&m.ID, &m.CardID, &fromStage, &m.ToStageID, &m.MovedAt, &m.ActorID, &m.Reason, &m.DaysInStage, &m.FromStatus, &m.ToStatus); err != nil {
			return nil, err
		}
		if fromStage.Valid {
			m.FromStageID = &fromStage.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
