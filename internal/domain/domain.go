package domain

// Stage statuses a card can hold inside its current stage.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusFinalized  = "finalized"
)

// ValidStageStatus reports whether s belongs to the closed stage-status set.
func ValidStageStatus(s string) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusFinalized:
		return true
	}
	return false
}

// Notification kinds.
const (
	KindDeadlinePassed      = "deadline_passed"
	KindDeadlineApproaching = "deadline_approaching"
	KindCardStale           = "card_stale"
	KindChecklistIncomplete = "checklist_incomplete"
	KindCardMoved           = "card_moved"
)

type Stage struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Position            int    `json:"position"`
	DeadlineDays        int    `json:"deadline_days"`
	InactivityAlertDays int    `json:"inactivity_alert_days"`
	OwnerEmail          string `json:"owner_email"`
	Active              bool   `json:"active"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

// StageTask is one entry of a stage's checklist template.
type StageTask struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	Task        string `json:"task"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Position    int    `json:"position"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Card struct {
	ID             string   `json:"id"`
	EmployeeName   string   `json:"employee_name"`
	TaxID          *string  `json:"tax_id,omitempty"`
	Role           string   `json:"role,omitempty"`
	Salary         *float64 `json:"salary,omitempty"`
	CostCenter     string   `json:"cost_center,omitempty"`
	HireDate       *string  `json:"hire_date,omitempty" format:"date"`
	StageID        string   `json:"stage_id"`
	StageStatus    string   `json:"stage_status" enum:"not_started,in_progress,finalized"`
	StageEnteredAt string   `json:"stage_entered_at" format:"date-time"`
	StageDeadline  string   `json:"stage_deadline" format:"date-time"`
	OwnerEmail     string   `json:"owner_email"`
	Notes          string   `json:"notes,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	CreatedBy      string   `json:"created_by,omitempty"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	UpdatedBy      string   `json:"updated_by,omitempty"`
}

// ChecklistItem is one instance item of a card's current checklist.
// The whole set is replaced when the card changes stage; completion
// history does not carry forward, only the movement record survives.
type ChecklistItem struct {
	ID          string  `json:"id"`
	CardID      string  `json:"card_id"`
	StageTaskID string  `json:"stage_task_id"`
	Task        string  `json:"task"`
	Required    bool    `json:"required"`
	Position    int     `json:"position"`
	Done        bool    `json:"done"`
	DoneAt      *string `json:"done_at,omitempty" format:"date-time"`
	DoneBy      *string `json:"done_by,omitempty"`
	Note        string  `json:"note,omitempty"`
}

// Movement is an immutable record of a stage transition. FromStageID is
// nil only for seed rows imported from external systems; regular cards
// begin their history at the first move.
type Movement struct {
	ID          int64   `json:"id"`
	CardID      string  `json:"card_id"`
	FromStageID *string `json:"from_stage_id,omitempty"`
	ToStageID   string  `json:"to_stage_id"`
	MovedAt     string  `json:"moved_at" format:"date-time"`
	ActorID     string  `json:"actor_id"`
	Reason      string  `json:"reason,omitempty"`
	DaysInStage int     `json:"days_in_stage"`
	FromStatus  string  `json:"from_status,omitempty"`
	ToStatus    string  `json:"to_status"`
}

type Notification struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind" enum:"deadline_passed,deadline_approaching,card_stale,checklist_incomplete,card_moved"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Recipient string  `json:"recipient"`
	CardID    *string `json:"card_id,omitempty"`
	StageID   *string `json:"stage_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	Sent      bool    `json:"sent"`
	SentAt    *string `json:"sent_at,omitempty" format:"date-time"`
	Read      bool    `json:"read"`
	ReadAt    *string `json:"read_at,omitempty" format:"date-time"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
