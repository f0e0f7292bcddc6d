package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mobiflow/internal/domain"
	"mobiflow/internal/engine"
	"mobiflow/internal/engine/auth"
	"mobiflow/internal/notify"
	"mobiflow/internal/repo"

	"github.com/google/uuid"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Scanner  notify.Scanner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"checklist_incomplete"`
	Message string         `json:"message" example:"2 required checklist item(s) pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mobiflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Mobiflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
	registerNotifications(group, cfg.Engine, cfg.Scanner)
	registerGroups(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"stage_id": fe.StageID})
	}
	var be engine.BusinessError
	if errors.As(err, &be) {
		return newAPIError(statusForBusinessCode(be.Code), be.Code, be.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already in stage"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func statusForBusinessCode(code string) int {
	switch code {
	case engine.CodeDuplicateOrder, engine.CodeDuplicateTaxID:
		return http.StatusConflict
	case engine.CodeChecklistIncomplete, engine.CodeNoActiveStages:
		return http.StatusUnprocessableEntity
	case engine.CodeInvalidStatus:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Mobiflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/stages",
		Summary:       "Create stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStage(ctx, engine.StageCreateOptions{
			ID:                  input.Body.ID,
			Name:                input.Body.Name,
			Description:         input.Body.Description,
			Position:            input.Body.Position,
			DeadlineDays:        input.Body.DeadlineDays,
			InactivityAlertDays: input.Body.InactivityAlertDays,
			OwnerEmail:          input.Body.OwnerEmail,
			ActorID:             actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{Stage: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List active stages in pipeline order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		stages, err := e.Repo.ActiveStagesOrdered(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StageResponse, 0, len(stages))
		for _, s := range stages {
			res = append(res, StageResponse{Stage: s})
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Get stage with checklist template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListStageTasks(ctx, s.ID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{Stage: s, Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Update stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stage_id"`
		Body    UpdateStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateStage(ctx, engine.StageUpdateOptions{
			StageID:             input.StageID,
			Name:                input.Body.Name,
			Description:         input.Body.Description,
			Position:            input.Body.Position,
			DeadlineDays:        input.Body.DeadlineDays,
			InactivityAlertDays: input.Body.InactivityAlertDays,
			OwnerEmail:          input.Body.OwnerEmail,
			Active:              input.Body.Active,
			ActorID:             actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{Stage: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-stage-task",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/tasks",
		Summary:       "Add checklist template task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string                 `path:"stage_id"`
		Body    CreateStageTaskRequest `json:"body"`
	}) (*struct {
		Body domain.StageTask `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		required := true
		if input.Body.Required != nil {
			required = *input.Body.Required
		}
		t, err := e.AddStageTask(ctx, input.StageID, input.Body.Task, input.Body.Description, required, input.Body.Position, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage-task",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}/tasks/{task_id}",
		Summary:     "Update checklist template task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string                 `path:"stage_id"`
		TaskID  string                 `path:"task_id"`
		Body    UpdateStageTaskRequest `json:"body"`
	}) (*struct {
		Body domain.StageTask `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateStageTask(ctx, engine.StageTaskUpdateOptions{
			TaskID:   input.TaskID,
			Task:     input.Body.Task,
			Required: input.Body.Required,
			Position: input.Body.Position,
			Active:   input.Body.Active,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if t.StageID != input.StageID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not in stage", nil)
		}
		return &struct {
			Body domain.StageTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-stage-group",
		Method:        http.MethodPut,
		Path:          "/stages/{stage_id}/groups/{group_id}",
		Summary:       "Permit group to edit cards in stage",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
		GroupID string `path:"group_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantStageGroup(ctx, input.StageID, input.GroupID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-stage-group",
		Method:        http.MethodDelete,
		Path:          "/stages/{stage_id}/groups/{group_id}",
		Summary:       "Revoke group access to stage",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
		GroupID string `path:"group_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeStageGroup(ctx, input.StageID, input.GroupID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/cards",
		Summary:       "Open onboarding card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCard(ctx, engine.CardCreateOptions{
			ID:           input.Body.ID,
			EmployeeName: input.Body.EmployeeName,
			TaxID:        input.Body.TaxID,
			Role:         input.Body.Role,
			Salary:       input.Body.Salary,
			CostCenter:   input.Body.CostCenter,
			HireDate:     input.Body.HireDate,
			OwnerEmail:   input.Body.OwnerEmail,
			Notes:        input.Body.Notes,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklist(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c, items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List cards",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		StageID string `query:"stage_id"`
		Status  string `query:"status" enum:",not_started,in_progress,finalized"`
		Owner   string `query:"owner"`
		Overdue bool   `query:"overdue"`
		Limit   int    `query:"limit"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body CardListResponse `json:"body"`
	}, error) {
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		now := e.Now().UTC()
		f := repo.CardFilter{
			StageID:         input.StageID,
			Status:          input.Status,
			OwnerEmail:      input.Owner,
			Limit:           normalizeLimit(input.Limit),
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		if input.Overdue {
			f.OverdueAsOf = now.Format(time.RFC3339)
		}
		cards, err := e.Repo.ListCards(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]CardResponse, 0, len(cards))
		for _, c := range cards {
			checklist, err := e.Repo.ListChecklist(ctx, c.ID)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, cardResponse(c, checklist, now))
		}
		next := ""
		if f.Limit > 0 && len(cards) == f.Limit {
			last := cards[len(cards)-1]
			next = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body CardListResponse `json:"body"`
		}{Body: CardListResponse{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get card with derived deadline state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body struct {
			CardResponse
			Checklist []domain.ChecklistItem `json:"checklist"`
		} `json:"body"`
	}, error) {
		c, err := e.Repo.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklist(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				CardResponse
				Checklist []domain.ChecklistItem `json:"checklist"`
			} `json:"body"`
		}{}
		out.Body.CardResponse = cardResponse(c, items, e.Now())
		out.Body.Checklist = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-card",
		Method:      http.MethodPatch,
		Path:        "/cards/{card_id}",
		Summary:     "Update card",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardID string            `path:"card_id"`
		Body   UpdateCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCard(ctx, engine.CardUpdateOptions{
			CardID:       input.CardID,
			EmployeeName: input.Body.EmployeeName,
			Role:         input.Body.Role,
			Salary:       input.Body.Salary,
			CostCenter:   input.Body.CostCenter,
			HireDate:     input.Body.HireDate,
			OwnerEmail:   input.Body.OwnerEmail,
			Notes:        input.Body.Notes,
			StageStatus:  input.Body.StageStatus,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklist(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c, items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/move",
		Summary:     "Move card to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CardID string          `path:"card_id"`
		Body   MoveCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		toStageID := input.Body.ToStageID
		if toStageID == "" && input.Body.ToPosition > 0 {
			s, err := e.Repo.ActiveStageByPosition(ctx, input.Body.ToPosition)
			if err != nil {
				return nil, handleError(err)
			}
			toStageID = s.ID
		}
		if toStageID == "" {
			// No explicit target: advance to the next stage in order.
			c, err := e.Repo.GetCard(ctx, input.CardID)
			if err != nil {
				return nil, handleError(err)
			}
			next, err := e.NextStage(ctx, c)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return nil, newAPIError(http.StatusConflict, "conflict", "card is in the last stage", nil)
				}
				return nil, handleError(err)
			}
			toStageID = next.ID
		}
		c, err := e.MoveCard(ctx, engine.MoveOptions{
			CardID:    input.CardID,
			ToStageID: toStageID,
			Reason:    input.Body.Reason,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklist(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c, items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "card-movements",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/movements",
		Summary:     "Card movement history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body []domain.Movement `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCard(ctx, input.CardID); err != nil {
			return nil, handleError(err)
		}
		moves, err := e.Repo.ListMovements(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Movement `json:"body"`
		}{Body: nonNilSlice(moves)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/cards/{card_id}/checklist/{item_id}",
		Summary:     "Mark checklist item done or undone",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CardID string                  `path:"card_id"`
		ItemID string                  `path:"item_id"`
		Body   SetChecklistItemRequest `json:"body"`
	}) (*struct {
		Body domain.ChecklistItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.SetChecklistItem(ctx, input.CardID, input.ItemID, input.Body.Done, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-card-stage",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/finalize",
		Summary:     "Finalize the card's current stage work",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		finalized := domain.StatusFinalized
		c, err := e.UpdateCard(ctx, engine.CardUpdateOptions{
			CardID:      input.CardID,
			StageStatus: &finalized,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChecklist(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c, items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-card",
		Method:        http.MethodDelete,
		Path:          "/cards/{card_id}",
		Summary:       "Delete card",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCard(ctx, input.CardID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerBoard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Card counts and deadline health per stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.BoardColumn `json:"body"`
	}, error) {
		cols, err := e.Board(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.BoardColumn `json:"body"`
		}{Body: nonNilSlice(cols)}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine, scanner notify.Scanner) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications for a recipient",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Recipient string `query:"recipient"`
		Unread    bool   `query:"unread"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Recipient) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "recipient is required", nil)
		}
		items, err := e.Repo.ListNotifications(ctx, input.Recipient, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unread-count",
		Method:      http.MethodGet,
		Path:        "/notifications/unread-count",
		Summary:     "Unread notification count for a recipient",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Recipient string `query:"recipient"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Recipient) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "recipient is required", nil)
		}
		n, err := e.Repo.CountUnread(ctx, input.Recipient)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"unread": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		readAt := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.MarkNotificationRead(ctx, input.NotificationID, readAt); err != nil {
			return nil, handleError(err)
		}
		n, err := e.Repo.GetNotification(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/scan",
		Summary:     "Run notification rules and deliver the queue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body notify.Result `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := scanner.RunAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body notify.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerGroups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-group-member",
		Method:        http.MethodPut,
		Path:          "/groups/{group_id}/members/{actor_id}",
		Summary:       "Add actor to group",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		byActor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.JoinGroup(ctx, input.ActorID, input.GroupID, byActor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-group-member",
		Method:        http.MethodDelete,
		Path:          "/groups/{group_id}/members/{actor_id}",
		Summary:       "Remove actor from group",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		byActor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.LeaveGroup(ctx, input.ActorID, input.GroupID, byActor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List groups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Group `json:"body"`
	}, error) {
		groups, err := e.Repo.ListGroups(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Group `json:"body"`
		}{Body: nonNilSlice(groups)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		raw := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// --- helpers ---

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
