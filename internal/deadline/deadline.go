// Package deadline evaluates card deadlines, checklist progress and
// stage inactivity. All functions are pure; callers pass the clock.
package deadline

import (
	"math"
	"time"

	"mobiflow/internal/domain"
)

// Status is the derived deadline state of a card.
type Status string

const (
	OnTime  Status = "on_time"
	DueSoon Status = "due_soon"
	Overdue Status = "overdue"
)

// DueSoonWindow is how far ahead of the deadline a card counts as due soon.
const DueSoonWindow = 48 * time.Hour

// StatusAt classifies a deadline against now. Both window edges are
// exclusive at the start of the range: exactly 48h out is still on time,
// the deadline instant itself is still due soon, and the status flips to
// overdue strictly after it.
func StatusAt(deadlineRFC3339 string, now time.Time) (Status, error) {
	deadline, err := time.Parse(time.RFC3339, deadlineRFC3339)
	if err != nil {
		return OnTime, err
	}
	switch {
	case now.After(deadline):
		return Overdue, nil
	case now.After(deadline.Add(-DueSoonWindow)):
		return DueSoon, nil
	default:
		return OnTime, nil
	}
}

// ForCard evaluates the card's stored stage deadline. Finalized cards are
// always on time regardless of the clock.
func ForCard(c domain.Card, now time.Time) (Status, error) {
	if c.StageStatus == domain.StatusFinalized {
		return OnTime, nil
	}
	return StatusAt(c.StageDeadline, now)
}

// Deadline computes when a card entering a stage at enteredAt runs out of
// time, given the stage's allowance in days.
func Deadline(enteredAt time.Time, deadlineDays int) time.Time {
	return enteredAt.Add(time.Duration(deadlineDays) * 24 * time.Hour)
}

// DaysBetween returns whole elapsed days from a to b, never negative.
func DaysBetween(a, b time.Time) int {
	d := int(b.Sub(a).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Progress summarizes checklist completion.
type Progress struct {
	Total   int     `json:"total"`
	Done    int     `json:"done"`
	Percent float64 `json:"percent"`
}

// ChecklistProgress computes completion over all items. An empty checklist
// reports zero percent; finalization gates on required items, not percent.
func ChecklistProgress(items []domain.ChecklistItem) Progress {
	p := Progress{Total: len(items)}
	for _, it := range items {
		if it.Done {
			p.Done++
		}
	}
	if p.Total == 0 {
		return p
	}
	p.Percent = math.Round(float64(p.Done)/float64(p.Total)*1000) / 10
	return p
}

// PendingRequired lists incomplete required items.
func PendingRequired(items []domain.ChecklistItem) []domain.ChecklistItem {
	var pending []domain.ChecklistItem
	for _, it := range items {
		if it.Required && !it.Done {
			pending = append(pending, it)
		}
	}
	return pending
}

// IsStale reports whether a card has sat unmodified in its stage past the
// stage's inactivity threshold. A threshold of zero or less disables the
// check for that stage.
func IsStale(c domain.Card, s domain.Stage, now time.Time) (bool, error) {
	if s.InactivityAlertDays <= 0 {
		return false, nil
	}
	if c.StageStatus == domain.StatusFinalized {
		return false, nil
	}
	updatedAt, err := time.Parse(time.RFC3339, c.UpdatedAt)
	if err != nil {
		return false, err
	}
	cutoff := now.Add(-time.Duration(s.InactivityAlertDays) * 24 * time.Hour)
	return updatedAt.Before(cutoff), nil
}
