package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobiflow/internal/config"
	"mobiflow/internal/db"
	"mobiflow/internal/domain"
	"mobiflow/internal/engine"
	"mobiflow/internal/migrate"
	"mobiflow/internal/notify"
)

type fakeMailer struct {
	sent    []string
	failFor map[string]error
}

func (m *fakeMailer) Send(to, subject, body string) error {
	if err, ok := m.failFor[to]; ok {
		return err
	}
	m.sent = append(m.sent, to)
	return nil
}

type scanEnv struct {
	Engine  engine.Engine
	Scanner notify.Scanner
	Mailer  *fakeMailer
	Ctx     context.Context
	Entry   string
}

func newScanEnv(t *testing.T) *scanEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	// inactivity alerts stay off by default; the stale test opts in
	stage, err := eng.CreateStage(ctx, engine.StageCreateOptions{
		Name: "Documentation", Position: 1, DeadlineDays: 3,
		OwnerEmail: "docs@example.com", ActorID: "tester",
	})
	require.NoError(t, err)
	_, err = eng.AddStageTask(ctx, stage.ID, "Contract signed", "", true, 1, "tester")
	require.NoError(t, err)

	mailer := &fakeMailer{failFor: map[string]error{}}
	scanner := notify.New(conn, mailer)
	scanner.Now = eng.Now
	return &scanEnv{Engine: eng, Scanner: scanner, Mailer: mailer, Ctx: ctx, Entry: stage.ID}
}

func (e *scanEnv) setClock(ts time.Time) {
	e.Engine.Now = func() time.Time { return ts }
	e.Scanner.Now = e.Engine.Now
}

func TestScanQueuesDeadlineAlerts(t *testing.T) {
	env := newScanEnv(t)
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{EmployeeName: "Ana Silva", ActorID: "tester"})
	require.NoError(t, err)

	// inside the 48h window ahead of the 3-day deadline; the pending
	// required item alerts regardless of the deadline
	env.setClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	res, err := env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadlineApproaching)
	assert.Equal(t, 0, res.DeadlinePassed)
	assert.Equal(t, 1, res.ChecklistIncomplete)
	assert.Contains(t, env.Mailer.sent, "docs@example.com")

	// past the deadline: deadline_passed, and the checklist alert fires
	// again once its dedup window has lapsed
	env.setClock(time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC))
	res, err = env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadlinePassed)
	assert.Equal(t, 1, res.ChecklistIncomplete)

	var kinds []string
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT kind FROM notifications WHERE card_id=? ORDER BY kind`, c.ID)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		kinds = append(kinds, k)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{
		domain.KindChecklistIncomplete, domain.KindChecklistIncomplete,
		domain.KindDeadlineApproaching, domain.KindDeadlinePassed,
	}, kinds)
}

func TestScanChecklistsBeforeDeadline(t *testing.T) {
	env := newScanEnv(t)
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{EmployeeName: "Ana Silva", ActorID: "tester"})
	require.NoError(t, err)

	// an hour after creation, three days ahead of the deadline
	env.setClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	res, err := env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChecklistIncomplete)
	assert.Equal(t, 0, res.DeadlinePassed)
	assert.Equal(t, 0, res.DeadlineApproaching)

	// completing the required item silences the rule
	items, err := env.Engine.Repo.ListChecklist(env.Ctx, c.ID)
	require.NoError(t, err)
	_, err = env.Engine.SetChecklistItem(env.Ctx, c.ID, items[0].ID, true, "", "tester")
	require.NoError(t, err)

	env.setClock(time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC))
	res, err = env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ChecklistIncomplete)
}

func TestScanDeduplicatesWithinWindow(t *testing.T) {
	env := newScanEnv(t)
	_, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{EmployeeName: "Ana Silva", ActorID: "tester"})
	require.NoError(t, err)

	env.setClock(time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC))
	res, err := env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadlinePassed)

	// a rerun an hour later inside the 24h dedup window queues nothing new
	env.setClock(time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC))
	res, err = env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DeadlinePassed)
	assert.Equal(t, 0, res.ChecklistIncomplete)
	assert.Equal(t, 0, res.Delivered)

	// once the window lapses the alert fires again
	env.setClock(time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC))
	res, err = env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadlinePassed)
}

func TestScanStaleCards(t *testing.T) {
	env := newScanEnv(t)
	two := 2
	_, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{
		StageID: env.Entry, InactivityAlertDays: &two, ActorID: "tester",
	})
	require.NoError(t, err)
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{EmployeeName: "Ana Silva", ActorID: "tester"})
	require.NoError(t, err)

	// inactivity threshold is 2 days; 3 days of silence trips it
	env.setClock(time.Date(2026, 3, 5, 9, 0, 1, 0, time.UTC))
	res, err := env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)

	// touching the card resets the clock
	items, err := env.Engine.Repo.ListChecklist(env.Ctx, c.ID)
	require.NoError(t, err)
	_, err = env.Engine.SetChecklistItem(env.Ctx, c.ID, items[0].ID, true, "", "tester")
	require.NoError(t, err)

	env.setClock(time.Date(2026, 3, 7, 8, 0, 0, 0, time.UTC))
	res, err = env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stale)
}

func TestDeliveryRetriesAndAttemptCap(t *testing.T) {
	env := newScanEnv(t)
	env.Scanner.MaxAttempts = 2
	env.Mailer.failFor["docs@example.com"] = errors.New("smtp down")

	_, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{EmployeeName: "Ana Silva", ActorID: "tester"})
	require.NoError(t, err)

	env.setClock(time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC))
	res, err := env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 2, res.Failed) // deadline_passed and checklist_incomplete

	pending, err := env.Scanner.Repo.ListPendingNotifications(env.Ctx, env.Scanner.MaxAttempts)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, n := range pending {
		assert.Equal(t, 1, n.Attempts)
		assert.Equal(t, "smtp down", n.LastError)
	}

	// second failing run exhausts the cap; the queue then skips them
	var deliverRes notify.Result
	require.NoError(t, env.Scanner.DeliverPending(env.Ctx, &deliverRes))
	assert.Equal(t, 2, deliverRes.Failed)

	pending, err = env.Scanner.Repo.ListPendingNotifications(env.Ctx, env.Scanner.MaxAttempts)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// mail recovers, but capped notifications stay parked
	delete(env.Mailer.failFor, "docs@example.com")
	deliverRes = notify.Result{}
	require.NoError(t, env.Scanner.DeliverPending(env.Ctx, &deliverRes))
	assert.Equal(t, 0, deliverRes.Delivered)
}

func TestMoveNotificationDelivered(t *testing.T) {
	env := newScanEnv(t)
	second, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		Name: "Provisioning", Position: 2, DeadlineDays: 5,
		OwnerEmail: "it@example.com", ActorID: "tester",
	})
	require.NoError(t, err)
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{EmployeeName: "Ana Silva", ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.MoveCard(env.Ctx, engine.MoveOptions{CardID: c.ID, ToStageID: second.ID, ActorID: "tester"})
	require.NoError(t, err)

	res, err := env.Scanner.RunAll(env.Ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Delivered, 1)
	assert.Contains(t, env.Mailer.sent, "it@example.com")
}
