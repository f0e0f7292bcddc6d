package server

import (
	"time"

	"mobiflow/internal/deadline"
	"mobiflow/internal/domain"
)

// --- requests ---

type CreateStageRequest struct {
	ID                  string `json:"id,omitempty"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Position            int    `json:"position,omitempty" minimum:"0"`
	DeadlineDays        int    `json:"deadline_days" minimum:"1"`
	InactivityAlertDays int    `json:"inactivity_alert_days,omitempty" minimum:"0"`
	OwnerEmail          string `json:"owner_email" format:"email"`
}

type UpdateStageRequest struct {
	Name                *string `json:"name,omitempty"`
	Description         *string `json:"description,omitempty"`
	Position            *int    `json:"position,omitempty"`
	DeadlineDays        *int    `json:"deadline_days,omitempty"`
	InactivityAlertDays *int    `json:"inactivity_alert_days,omitempty"`
	OwnerEmail          *string `json:"owner_email,omitempty"`
	Active              *bool   `json:"active,omitempty"`
}

type CreateStageTaskRequest struct {
	Task        string `json:"task"`
	Description string `json:"description,omitempty"`
	Required    *bool  `json:"required,omitempty"`
	Position    int    `json:"position,omitempty"`
}

type UpdateStageTaskRequest struct {
	Task     *string `json:"task,omitempty"`
	Required *bool   `json:"required,omitempty"`
	Position *int    `json:"position,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

type CreateCardRequest struct {
	ID           string   `json:"id,omitempty"`
	EmployeeName string   `json:"employee_name"`
	TaxID        string   `json:"tax_id,omitempty"`
	Role         string   `json:"role,omitempty"`
	Salary       *float64 `json:"salary,omitempty"`
	CostCenter   string   `json:"cost_center,omitempty"`
	HireDate     string   `json:"hire_date,omitempty" format:"date"`
	OwnerEmail   string   `json:"owner_email,omitempty" format:"email"`
	Notes        string   `json:"notes,omitempty"`
}

type UpdateCardRequest struct {
	EmployeeName *string  `json:"employee_name,omitempty"`
	Role         *string  `json:"role,omitempty"`
	Salary       *float64 `json:"salary,omitempty"`
	CostCenter   *string  `json:"cost_center,omitempty"`
	HireDate     *string  `json:"hire_date,omitempty"`
	OwnerEmail   *string  `json:"owner_email,omitempty"`
	Notes        *string  `json:"notes,omitempty"`
	StageStatus  *string  `json:"stage_status,omitempty" enum:"not_started,in_progress,finalized"`
}

type MoveCardRequest struct {
	ToStageID  string `json:"to_stage_id,omitempty"`
	ToPosition int    `json:"to_position,omitempty" minimum:"0"`
	Reason     string `json:"reason,omitempty"`
}

type SetChecklistItemRequest struct {
	Done bool   `json:"done"`
	Note string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// --- responses ---

type StageResponse struct {
	domain.Stage
	Tasks []domain.StageTask `json:"tasks,omitempty"`
}

// CardResponse extends the stored card with derived deadline and
// checklist state.
type CardResponse struct {
	domain.Card
	DeadlineStatus string            `json:"deadline_status" enum:"on_time,due_soon,overdue"`
	Progress       deadline.Progress `json:"checklist_progress"`
}

type CardListResponse struct {
	Items      []CardResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func cardResponse(c domain.Card, items []domain.ChecklistItem, now time.Time) CardResponse {
	status, err := deadline.ForCard(c, now)
	if err != nil {
		status = deadline.OnTime
	}
	return CardResponse{
		Card:           c,
		DeadlineStatus: string(status),
		Progress:       deadline.ChecklistProgress(items),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
