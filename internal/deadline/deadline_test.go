package deadline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobiflow/internal/deadline"
	"mobiflow/internal/domain"
)

func TestStatusAtBoundaries(t *testing.T) {
	dl := "2026-03-05T09:00:00Z"
	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}

	cases := []struct {
		name string
		now  time.Time
		want deadline.Status
	}{
		{"well before", at("2026-03-01T09:00:00Z"), deadline.OnTime},
		{"exactly 48h out still on time", at("2026-03-03T09:00:00Z"), deadline.OnTime},
		{"window opens", at("2026-03-03T09:00:01Z"), deadline.DueSoon},
		{"inside window", at("2026-03-04T12:00:00Z"), deadline.DueSoon},
		{"deadline instant", at("2026-03-05T09:00:00Z"), deadline.DueSoon},
		{"just after", at("2026-03-05T09:00:01Z"), deadline.Overdue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := deadline.StatusAt(dl, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := deadline.StatusAt("not-a-time", time.Now())
	assert.Error(t, err)
}

func TestForCardFinalizedAlwaysOnTime(t *testing.T) {
	c := domain.Card{
		StageStatus:   domain.StatusFinalized,
		StageDeadline: "2020-01-01T00:00:00Z",
	}
	got, err := deadline.ForCard(c, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, deadline.OnTime, got)

	c.StageStatus = domain.StatusInProgress
	got, err = deadline.ForCard(c, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, deadline.Overdue, got)
}

func TestDeadlineAndDaysBetween(t *testing.T) {
	entered := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC), deadline.Deadline(entered, 5))

	assert.Equal(t, 0, deadline.DaysBetween(entered, entered))
	assert.Equal(t, 0, deadline.DaysBetween(entered, entered.Add(23*time.Hour)))
	assert.Equal(t, 1, deadline.DaysBetween(entered, entered.Add(24*time.Hour)))
	assert.Equal(t, 4, deadline.DaysBetween(entered, entered.Add(4*24*time.Hour+time.Minute)))
	// clock going backwards never yields negative days
	assert.Equal(t, 0, deadline.DaysBetween(entered, entered.Add(-48*time.Hour)))
}

func TestChecklistProgress(t *testing.T) {
	// no items means no progress to report
	assert.Equal(t, deadline.Progress{Total: 0, Done: 0, Percent: 0}, deadline.ChecklistProgress(nil))
	assert.Equal(t, deadline.Progress{Total: 0, Done: 0, Percent: 0}, deadline.ChecklistProgress([]domain.ChecklistItem{}))

	items := []domain.ChecklistItem{
		{Done: true}, {Done: false}, {Done: false},
	}
	p := deadline.ChecklistProgress(items)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Done)
	assert.InDelta(t, 33.3, p.Percent, 0.001)

	items = append(items, domain.ChecklistItem{Done: true}, domain.ChecklistItem{Done: true}, domain.ChecklistItem{Done: true})
	p = deadline.ChecklistProgress(items)
	assert.InDelta(t, 66.7, p.Percent, 0.001)
}

func TestPendingRequired(t *testing.T) {
	items := []domain.ChecklistItem{
		{ID: "a", Required: true, Done: true},
		{ID: "b", Required: true, Done: false},
		{ID: "c", Required: false, Done: false},
	}
	pending := deadline.PendingRequired(items)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stage := domain.Stage{InactivityAlertDays: 3}
	card := domain.Card{
		StageStatus: domain.StatusInProgress,
		UpdatedAt:   "2026-03-06T09:00:00Z",
	}
	stale, err := deadline.IsStale(card, stage, now)
	require.NoError(t, err)
	assert.True(t, stale)

	// updated exactly at the cutoff is not yet stale
	card.UpdatedAt = "2026-03-07T09:00:00Z"
	stale, err = deadline.IsStale(card, stage, now)
	require.NoError(t, err)
	assert.False(t, stale)

	// threshold of zero disables the check
	stage.InactivityAlertDays = 0
	card.UpdatedAt = "2020-01-01T00:00:00Z"
	stale, err = deadline.IsStale(card, stage, now)
	require.NoError(t, err)
	assert.False(t, stale)

	// finalized cards are exempt
	stage.InactivityAlertDays = 3
	card.StageStatus = domain.StatusFinalized
	stale, err = deadline.IsStale(card, stage, now)
	require.NoError(t, err)
	assert.False(t, stale)
}
