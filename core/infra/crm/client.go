package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/welcomecrm/cadence/core/cadence"
)

// Client implements cadence.CardService and cadence.TaskService against the
// CRM REST API. Failures are classified for the retry path: 4xx responses
// other than 408 and 429 are permanent, everything else is transient.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with the given request timeout (15s when zero).
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

var (
	_ cadence.CardService = (*Client)(nil)
	_ cadence.TaskService = (*Client)(nil)
)

// StatusError is a non-2xx response from the CRM.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm: unexpected status %d: %s", e.Code, e.Message)
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return cadence.Permanent(fmt.Errorf("encode json: %w", err))
		}
		payload = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return cadence.Permanent(fmt.Errorf("new request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return cadence.Transient(fmt.Errorf("crm request %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return classify(&StatusError{Code: resp.StatusCode, Message: msg})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cadence.Transient(fmt.Errorf("decode crm response: %w", err))
	}
	return nil
}

func classify(err *StatusError) error {
	switch {
	case err.Code == http.StatusNotFound:
		return cadence.Permanent(fmt.Errorf("%w: %w", cadence.ErrNotFound, err))
	case err.Code == http.StatusRequestTimeout, err.Code == http.StatusTooManyRequests:
		return cadence.Transient(err)
	case err.Code >= 400 && err.Code < 500:
		return cadence.Permanent(err)
	default:
		return cadence.Transient(err)
	}
}

func (c *Client) GetCard(ctx context.Context, cardID string) (*cadence.Card, error) {
	if cardID == "" {
		return nil, cadence.Permanentf("card id required")
	}
	var card cadence.Card
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/cards/"+url.PathEscape(cardID), nil, &card, nil); err != nil {
		return nil, err
	}
	if card.ID == "" {
		card.ID = cardID
	}
	return &card, nil
}

func (c *Client) MoveStage(ctx context.Context, cardID, pipelineID, stageID string) error {
	if cardID == "" || stageID == "" {
		return cadence.Permanentf("card id and stage id required")
	}
	body := map[string]string{"stage_id": stageID}
	if pipelineID != "" {
		body["pipeline_id"] = pipelineID
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/cards/"+url.PathEscape(cardID)+"/move", body, nil, nil)
}

func (c *Client) MarkLost(ctx context.Context, cardID, reasonID string) error {
	if cardID == "" {
		return cadence.Permanentf("card id required")
	}
	body := map[string]string{"loss_reason_id": reasonID}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/cards/"+url.PathEscape(cardID)+"/lost", body, nil, nil)
}

// FindOpenTask returns the oldest open task of kind on the card.
func (c *Client) FindOpenTask(ctx context.Context, cardID, kind string) (*cadence.Task, error) {
	q := url.Values{}
	q.Set("status", "open")
	if kind != "" {
		q.Set("kind", kind)
	}
	var tasks []*cadence.Task
	path := "/api/v1/cards/" + url.PathEscape(cardID) + "/tasks?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &tasks, nil); err != nil {
		if errors.Is(err, cadence.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for _, t := range tasks {
		if t != nil && (kind == "" || t.Kind == kind) {
			return t, nil
		}
	}
	return nil, nil
}

// CreateTask sends the task's idempotency key as Idempotency-Key so a retried
// request after a lost response returns the original task.
func (c *Client) CreateTask(ctx context.Context, task *cadence.Task) (*cadence.Task, error) {
	if task == nil || task.CardID == "" {
		return nil, cadence.Permanentf("task with card id required")
	}
	var headers map[string]string
	if task.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": task.IdempotencyKey}
	}
	var created cadence.Task
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks", task, &created, headers); err != nil {
		return nil, err
	}
	return &created, nil
}
