package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"mobiflow/internal/app"
	"mobiflow/internal/config"
	"mobiflow/internal/db"
	"mobiflow/internal/domain"
	"mobiflow/internal/engine"
	"mobiflow/internal/mail"
	"mobiflow/internal/migrate"
	"mobiflow/internal/notify"
)

const testJWTSecret = "test-secret"

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := app.EnsurePipeline(context.Background(), e.Repo, cfg, "tester"); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}
	scanner := notify.New(conn, mail.Log{})
	handler, err := New(Config{
		Engine:   e,
		Scanner:  scanner,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func listStages(t *testing.T, srv *testServer) []StageResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stages", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list stages: %d %s", res.StatusCode, string(data))
	}
	var stages []StageResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal stages: %v", err)
	}
	return stages
}

func TestCardLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	stages := listStages(t, srv)
	if len(stages) != 4 {
		t.Fatalf("expected 4 seeded stages, got %d", len(stages))
	}
	entry := stages[0]
	if entry.Name != "Requisition" {
		t.Fatalf("expected Requisition first, got %s", entry.Name)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Ana Silva",
		"tax_id":        "123456789",
		"role":          "Engineer",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card: %d %s", res.StatusCode, string(data))
	}
	var created CardResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if created.StageID != entry.ID || created.StageStatus != "not_started" {
		t.Fatalf("unexpected created card: %+v", created)
	}
	if created.DeadlineStatus != "on_time" {
		t.Fatalf("expected on_time, got %s", created.DeadlineStatus)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cards/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get card: %d %s", res.StatusCode, string(data))
	}
	var fetched struct {
		CardResponse
		Checklist []domain.ChecklistItem `json:"checklist"`
	}
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	// Requisition template seeds three items
	if len(fetched.Checklist) != 3 {
		t.Fatalf("expected 3 checklist items, got %d", len(fetched.Checklist))
	}

	// finalize is blocked while required items are pending
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+created.ID+"/finalize", nil, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "checklist_incomplete" {
		t.Fatalf("expected checklist_incomplete, got %s", code)
	}

	for _, it := range fetched.Checklist {
		if !it.Required {
			continue
		}
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/cards/"+created.ID+"/checklist/"+it.ID, map[string]any{
			"done": true,
		}, actorHeader)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("check item: %d %s", res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+created.ID+"/finalize", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}
	var finalized CardResponse
	_ = json.Unmarshal(data, &finalized)
	if finalized.StageStatus != "finalized" {
		t.Fatalf("expected finalized, got %s", finalized.StageStatus)
	}

	// empty move body advances to the next stage in order
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+created.ID+"/move", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move: %d %s", res.StatusCode, string(data))
	}
	var moved CardResponse
	_ = json.Unmarshal(data, &moved)
	if moved.StageID != stages[1].ID {
		t.Fatalf("expected move to %s, got %s", stages[1].ID, moved.StageID)
	}
	if moved.StageStatus != "not_started" {
		t.Fatalf("move did not reset status: %s", moved.StageStatus)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cards/"+created.ID+"/movements", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("movements: %d %s", res.StatusCode, string(data))
	}
	var moves []domain.Movement
	_ = json.Unmarshal(data, &moves)
	if len(moves) != 1 || moves[0].ToStageID != stages[1].ID {
		t.Fatalf("unexpected movements: %+v", moves)
	}
}

func TestDuplicateTaxIDConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Ana Silva", "tax_id": "111222333",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Someone Else", "tax_id": "111222333",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "duplicate_tax_id" {
		t.Fatalf("expected duplicate_tax_id, got %s", code)
	}
}

func TestMovePastLastStageConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Ana Silva",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var card CardResponse
	_ = json.Unmarshal(data, &card)

	for i := 0; i < 3; i++ {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+card.ID+"/move", map[string]any{}, actorHeader)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("move %d: %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+card.ID+"/move", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 past last stage, got %d %s", res.StatusCode, string(data))
	}
}

func TestMoveByPosition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	stages := listStages(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Ana Silva",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var card CardResponse
	_ = json.Unmarshal(data, &card)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+card.ID+"/move", map[string]any{
		"to_position": 3, "reason": "skipping ahead",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move by position: %d %s", res.StatusCode, string(data))
	}
	var moved CardResponse
	_ = json.Unmarshal(data, &moved)
	if moved.StageID != stages[2].ID {
		t.Fatalf("expected stage at position 3, got %s", moved.StageID)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// health stays open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stages", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "jwt-user",
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Token User",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("jwt create card: %d %s", res.StatusCode, string(data))
	}
	var card CardResponse
	_ = json.Unmarshal(data, &card)
	if card.CreatedBy != "jwt-user" {
		t.Fatalf("expected created_by from token subject, got %s", card.CreatedBy)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "service-bot", "name": "ci",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var createdKey APIKeyCreatedResponse
	if err := json.Unmarshal(data, &createdKey); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if createdKey.Key == "" {
		t.Fatalf("expected plaintext key in create response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stages", nil, map[string]string{
		"X-Api-Key": createdKey.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key list stages: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stages", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}

func TestNotificationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	stages := listStages(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
		"employee_name": "Ana Silva",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var card CardResponse
	_ = json.Unmarshal(data, &card)

	// moving queues a card_moved notification for the target stage owner
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards/"+card.ID+"/move", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move: %d %s", res.StatusCode, string(data))
	}
	recipient := stages[1].OwnerEmail

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?recipient="+recipient, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications: %d %s", res.StatusCode, string(data))
	}
	var notifications []domain.Notification
	_ = json.Unmarshal(data, &notifications)
	if len(notifications) != 1 || notifications[0].Kind != "card_moved" {
		t.Fatalf("unexpected notifications: %+v", notifications)
	}

	// recipient is mandatory
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications", nil, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without recipient, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/notifications/"+notifications[0].ID+"/read", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications/unread-count?recipient="+recipient, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unread count: %d %s", res.StatusCode, string(data))
	}
	var count map[string]int
	_ = json.Unmarshal(data, &count)
	if count["unread"] != 0 {
		t.Fatalf("expected 0 unread, got %d", count["unread"])
	}

	// a scan delivers the queued notification through the log mailer
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/notifications/scan", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan: %d %s", res.StatusCode, string(data))
	}
	var result notify.Result
	_ = json.Unmarshal(data, &result)
	if result.Delivered < 1 {
		t.Fatalf("expected at least one delivery, got %+v", result)
	}
}

func TestBoardSummary(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, name := range []string{"One Person", "Two Person"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cards", map[string]any{
			"employee_name": name,
		}, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", name, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/board", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board: %d %s", res.StatusCode, string(data))
	}
	var cols []engine.BoardColumn
	if err := json.Unmarshal(data, &cols); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	if len(cols) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(cols))
	}
	if cols[0].Total != 2 {
		t.Fatalf("expected 2 cards in entry column, got %d", cols[0].Total)
	}
}
