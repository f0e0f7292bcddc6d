// Package notify generates deadline, inactivity and checklist alerts and
// delivers queued notifications through a Mailer.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mobiflow/internal/deadline"
	"mobiflow/internal/domain"
	"mobiflow/internal/mail"
	"mobiflow/internal/repo"
)

const (
	defaultMaxAttempts = 5
	defaultDedupWindow = 24 * time.Hour
)

// Scanner walks open cards, queues notifications for rule hits and
// delivers the pending queue. Dedup is per (kind, card) inside the window.
type Scanner struct {
	DB          *sql.DB
	Repo        repo.Repo
	Mailer      mail.Mailer
	Now         func() time.Time
	MaxAttempts int
	DedupWindow time.Duration
}

func New(db *sql.DB, mailer mail.Mailer) Scanner {
	return Scanner{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Mailer:      mailer,
		Now:         time.Now,
		MaxAttempts: defaultMaxAttempts,
		DedupWindow: defaultDedupWindow,
	}
}

func (s Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Scanner) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return defaultMaxAttempts
}

func (s Scanner) dedupWindow() time.Duration {
	if s.DedupWindow > 0 {
		return s.DedupWindow
	}
	return defaultDedupWindow
}

// Result counts what one scan produced.
type Result struct {
	DeadlinePassed      int `json:"deadline_passed"`
	DeadlineApproaching int `json:"deadline_approaching"`
	Stale               int `json:"stale"`
	ChecklistIncomplete int `json:"checklist_incomplete"`
	Delivered           int `json:"delivered"`
	Failed              int `json:"failed"`
}

// RunAll executes every scan rule and then drains the delivery queue.
func (s Scanner) RunAll(ctx context.Context) (Result, error) {
	var res Result
	if err := s.ScanDeadlines(ctx, &res); err != nil {
		return res, err
	}
	if err := s.ScanStale(ctx, &res); err != nil {
		return res, err
	}
	if err := s.ScanChecklists(ctx, &res); err != nil {
		return res, err
	}
	if err := s.DeliverPending(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

// ScanDeadlines queues deadline_passed for overdue cards and
// deadline_approaching for cards inside the due-soon window.
func (s Scanner) ScanDeadlines(ctx context.Context, res *Result) error {
	nowT := s.now().UTC()
	now := nowT.Format(time.RFC3339)

	overdue, err := s.Repo.ListOpenCardsDeadlineBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue cards: %w", err)
	}
	for _, c := range overdue {
		queued, err := s.queueCardAlert(ctx, c, domain.KindDeadlinePassed,
			fmt.Sprintf("Deadline passed: %s", c.EmployeeName),
			fmt.Sprintf("The stage deadline for %s expired at %s.", c.EmployeeName, c.StageDeadline))
		if err != nil {
			return err
		}
		if queued {
			res.DeadlinePassed++
		}
	}

	windowEnd := nowT.Add(deadline.DueSoonWindow).Format(time.RFC3339)
	approaching, err := s.Repo.ListOpenCardsDeadlineBetween(ctx, now, windowEnd)
	if err != nil {
		return fmt.Errorf("list approaching cards: %w", err)
	}
	for _, c := range approaching {
		queued, err := s.queueCardAlert(ctx, c, domain.KindDeadlineApproaching,
			fmt.Sprintf("Deadline approaching: %s", c.EmployeeName),
			fmt.Sprintf("The stage deadline for %s is %s.", c.EmployeeName, c.StageDeadline))
		if err != nil {
			return err
		}
		if queued {
			res.DeadlineApproaching++
		}
	}
	return nil
}

// ScanStale queues card_stale for cards sitting unmodified past their
// stage's inactivity threshold.
func (s Scanner) ScanStale(ctx context.Context, res *Result) error {
	nowT := s.now().UTC()
	stages, err := s.Repo.ActiveStagesOrdered(ctx)
	if err != nil {
		return err
	}
	for _, st := range stages {
		if st.InactivityAlertDays <= 0 {
			continue
		}
		cutoff := nowT.Add(-time.Duration(st.InactivityAlertDays) * 24 * time.Hour).Format(time.RFC3339)
		cards, err := s.Repo.ListStaleCards(ctx, st.ID, cutoff)
		if err != nil {
			return fmt.Errorf("list stale cards for stage %s: %w", st.ID, err)
		}
		for _, c := range cards {
			queued, err := s.queueCardAlert(ctx, c, domain.KindCardStale,
				fmt.Sprintf("No activity: %s", c.EmployeeName),
				fmt.Sprintf("Card for %s has had no updates in stage %q since %s.", c.EmployeeName, st.Name, c.UpdatedAt))
			if err != nil {
				return err
			}
			if queued {
				res.Stale++
			}
		}
	}
	return nil
}

// ScanChecklists queues checklist_incomplete for every non-finalized card
// that still has required items pending, whatever its deadline state.
func (s Scanner) ScanChecklists(ctx context.Context, res *Result) error {
	open, err := s.Repo.ListOpenCards(ctx)
	if err != nil {
		return err
	}
	for _, c := range open {
		pending, err := s.Repo.CountPendingRequired(ctx, c.ID)
		if err != nil {
			return err
		}
		if pending == 0 {
			continue
		}
		queued, err := s.queueCardAlert(ctx, c, domain.KindChecklistIncomplete,
			fmt.Sprintf("Checklist incomplete: %s", c.EmployeeName),
			fmt.Sprintf("Card for %s has %d required checklist item(s) pending.", c.EmployeeName, pending))
		if err != nil {
			return err
		}
		if queued {
			res.ChecklistIncomplete++
		}
	}
	return nil
}

// queueCardAlert inserts one unsent notification for the card unless an
// equal-kind one already exists inside the dedup window. Each insert
// commits on its own so a later failure never unwinds earlier alerts.
func (s Scanner) queueCardAlert(ctx context.Context, c domain.Card, kind, title, body string) (bool, error) {
	nowT := s.now().UTC()
	since := nowT.Add(-s.dedupWindow()).Format(time.RFC3339)
	exists, err := s.Repo.HasRecentNotification(ctx, kind, c.ID, since)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	n := domain.Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Body:      body,
		Recipient: c.OwnerEmail,
		CardID:    &c.ID,
		StageID:   &c.StageID,
		CreatedAt: nowT.Format(time.RFC3339),
	}
	if err := s.Repo.InsertNotification(ctx, tx, n); err != nil {
		return false, fmt.Errorf("queue %s notification: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// DeliverPending pushes queued notifications through the mailer. A failed
// attempt is recorded and retried on the next run until the attempt cap;
// one bad message never blocks the rest of the queue.
func (s Scanner) DeliverPending(ctx context.Context, res *Result) error {
	pending, err := s.Repo.ListPendingNotifications(ctx, s.maxAttempts())
	if err != nil {
		return err
	}
	for _, n := range pending {
		if err := s.Mailer.Send(n.Recipient, n.Title, n.Body); err != nil {
			log.Printf("notify: deliver %s to %s failed: %v", n.Kind, n.Recipient, err)
			if markErr := s.Repo.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
				return markErr
			}
			res.Failed++
			continue
		}
		sentAt := s.now().UTC().Format(time.RFC3339)
		if err := s.Repo.MarkNotificationSent(ctx, n.ID, sentAt); err != nil {
			return err
		}
		res.Delivered++
	}
	return nil
}
