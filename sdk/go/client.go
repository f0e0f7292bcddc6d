package mobiflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mobiflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Stage is one pipeline stage (partial).
type Stage struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Position     int    `json:"position"`
	DeadlineDays int    `json:"deadline_days"`
	OwnerEmail   string `json:"owner_email"`
	Active       bool   `json:"active"`
}

// Card is an onboarding card (partial).
type Card struct {
	ID             string  `json:"id"`
	EmployeeName   string  `json:"employee_name"`
	TaxID          *string `json:"tax_id,omitempty"`
	StageID        string  `json:"stage_id"`
	StageStatus    string  `json:"stage_status"`
	StageDeadline  string  `json:"stage_deadline"`
	DeadlineStatus string  `json:"deadline_status"`
	OwnerEmail     string  `json:"owner_email"`
}

// ChecklistItem is one item of a card's current checklist.
type ChecklistItem struct {
	ID       string `json:"id"`
	Task     string `json:"task"`
	Required bool   `json:"required"`
	Done     bool   `json:"done"`
}

// Movement is one stage transition record.
type Movement struct {
	ID          int64   `json:"id"`
	CardID      string  `json:"card_id"`
	FromStageID *string `json:"from_stage_id,omitempty"`
	ToStageID   string  `json:"to_stage_id"`
	MovedAt     string  `json:"moved_at"`
	DaysInStage int     `json:"days_in_stage"`
}

// Notification is one queued or delivered alert.
type Notification struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	Read      bool   `json:"read"`
}

// CardPage wraps card list responses with cursors.
type CardPage struct {
	Items      []Card `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListStages returns the active pipeline.
func (c *Client) ListStages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, "v1/stages", nil, &resp)
	return resp, err
}

// CreateCard opens a card for an employee in the entry stage.
func (c *Client) CreateCard(ctx context.Context, employeeName, taxID string) (Card, error) {
	body := map[string]any{
		"employee_name": employeeName,
	}
	if taxID != "" {
		body["tax_id"] = taxID
	}
	var resp Card
	err := c.do(ctx, http.MethodPost, "v1/cards", body, &resp)
	return resp, err
}

// GetCard fetches one card.
func (c *Client) GetCard(ctx context.Context, cardID string) (Card, error) {
	var resp Card
	err := c.do(ctx, http.MethodGet, "v1/cards/"+url.PathEscape(cardID), nil, &resp)
	return resp, err
}

// Cards returns a paginated card listing.
func (c *Client) Cards(ctx context.Context, limit int, cursor string) (CardPage, error) {
	endpoint := "v1/cards"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp CardPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MoveCard advances a card; pass toStageID empty to advance to the next
// stage in order.
func (c *Client) MoveCard(ctx context.Context, cardID, toStageID, reason string) (Card, error) {
	body := map[string]any{}
	if toStageID != "" {
		body["to_stage_id"] = toStageID
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Card
	endpoint := fmt.Sprintf("v1/cards/%s/move", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetChecklistItem marks one checklist item done or undone.
func (c *Client) SetChecklistItem(ctx context.Context, cardID, itemID string, done bool, note string) (ChecklistItem, error) {
	body := map[string]any{"done": done}
	if note != "" {
		body["note"] = note
	}
	var resp ChecklistItem
	endpoint := fmt.Sprintf("v1/cards/%s/checklist/%s", url.PathEscape(cardID), url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// FinalizeCard finalizes the card's current stage work.
func (c *Client) FinalizeCard(ctx context.Context, cardID string) (Card, error) {
	var resp Card
	endpoint := fmt.Sprintf("v1/cards/%s/finalize", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Movements returns a card's stage history.
func (c *Client) Movements(ctx context.Context, cardID string) ([]Movement, error) {
	var resp []Movement
	endpoint := fmt.Sprintf("v1/cards/%s/movements", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications returns a recipient's notifications.
func (c *Client) Notifications(ctx context.Context, recipient string, unreadOnly bool) ([]Notification, error) {
	endpoint := fmt.Sprintf("v1/notifications?recipient=%s", url.QueryEscape(recipient))
	if unreadOnly {
		endpoint += "&unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
