package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/welcomecrm/cadence/core/cadence"
)

// Client is a minimal HTTP client for the cadence engine API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StartResponse is returned when a cadence starts.
type StartResponse struct {
	InstanceID string                 `json:"instance_id"`
	Status     cadence.InstanceStatus `json:"status"`
}

// InstanceQuery filters ListInstances. Zero fields are not sent.
type InstanceQuery struct {
	TemplateID string
	CardID     string
	Status     string
	Limit      int
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	return c.doJSONWithHeaders(ctx, method, path, body, out, nil)
}

func (c *Client) doJSONWithHeaders(ctx context.Context, method, path string, body any, out any, headers map[string]string) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	for k, v := range headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func withQuery(path string, q url.Values) string {
	if enc := q.Encode(); enc != "" {
		return path + "?" + enc
	}
	return path
}

func limitQuery(limit int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// StartCadence starts templateID for cardID. An empty source means operator.
func (c *Client) StartCadence(ctx context.Context, cardID, templateID, source string) (*StartResponse, error) {
	if cardID == "" || templateID == "" {
		return nil, fmt.Errorf("card id and template id required")
	}
	body := map[string]string{"card_id": cardID, "template_id": templateID}
	if source != "" {
		body["source"] = source
	}
	var resp StartResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cadences/start", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) control(ctx context.Context, id, action string, body any) (*cadence.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var inst cadence.Instance
	path := "/api/v1/instances/" + url.PathEscape(id) + "/" + action
	if err := c.doJSON(ctx, http.MethodPost, path, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CancelInstance cancels a running instance. Cancelling a finished one is a no-op.
func (c *Client) CancelInstance(ctx context.Context, id, reason string) (*cadence.Instance, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.control(ctx, id, "cancel", body)
}

// PauseInstance pauses an active or waiting instance.
func (c *Client) PauseInstance(ctx context.Context, id string) (*cadence.Instance, error) {
	return c.control(ctx, id, "pause", nil)
}

// ResumeInstance resumes a paused instance.
func (c *Client) ResumeInstance(ctx context.Context, id string) (*cadence.Instance, error) {
	return c.control(ctx, id, "resume", nil)
}

// RetryInstance re-queues the failed step of a failed instance.
func (c *Client) RetryInstance(ctx context.Context, id string) (*cadence.Instance, error) {
	return c.control(ctx, id, "retry", nil)
}

// GetInstance fetches an instance by ID.
func (c *Client) GetInstance(ctx context.Context, id string) (*cadence.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var inst cadence.Instance
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(id), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances lists instances, newest first.
func (c *Client) ListInstances(ctx context.Context, query InstanceQuery) ([]*cadence.Instance, error) {
	q := limitQuery(query.Limit)
	if query.TemplateID != "" {
		q.Set("template_id", query.TemplateID)
	}
	if query.CardID != "" {
		q.Set("card_id", query.CardID)
	}
	if query.Status != "" {
		q.Set("status", query.Status)
	}
	var out []*cadence.Instance
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/instances", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstanceEvents fetches the event log of one instance.
func (c *Client) GetInstanceEvents(ctx context.Context, id string, limit int) ([]*cadence.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var out []*cadence.Event
	path := withQuery("/api/v1/instances/"+url.PathEscape(id)+"/events", limitQuery(limit))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstanceQueue fetches every queue item of one instance.
func (c *Client) GetInstanceQueue(ctx context.Context, id string) ([]*cadence.QueueItem, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var out []*cadence.QueueItem
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(id)+"/queue", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListQueue lists queue items by status; the server defaults to pending.
func (c *Client) ListQueue(ctx context.Context, status string, limit int) ([]*cadence.QueueItem, error) {
	q := limitQuery(limit)
	if status != "" {
		q.Set("status", status)
	}
	var out []*cadence.QueueItem
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/queue", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentEvents fetches the most recent events across all instances.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]*cadence.Event, error) {
	var out []*cadence.Event
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/events", limitQuery(limit)), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTemplates lists the latest version of every template.
func (c *Client) ListTemplates(ctx context.Context) ([]*cadence.Template, error) {
	var out []*cadence.Template
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/templates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTemplate fetches a template. Version 0 means latest.
func (c *Client) GetTemplate(ctx context.Context, id string, version int) (*cadence.Template, error) {
	if id == "" {
		return nil, fmt.Errorf("template id required")
	}
	q := url.Values{}
	if version > 0 {
		q.Set("version", strconv.Itoa(version))
	}
	var tpl cadence.Template
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/templates/"+url.PathEscape(id), q), nil, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ListDeadLetters fetches recent dead-lettered steps.
func (c *Client) ListDeadLetters(ctx context.Context, limit int) ([]*cadence.DeadLetter, error) {
	var out []*cadence.DeadLetter
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/dead-letters", limitQuery(limit)), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendSignal delivers an external signal. A signal without an id takes
// idempotencyKey, so retries of the same call are applied once.
func (c *Client) SendSignal(ctx context.Context, sig *cadence.Signal, idempotencyKey string) (*cadence.SignalResult, error) {
	if sig == nil {
		return nil, fmt.Errorf("signal is nil")
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var res cadence.SignalResult
	if err := c.doJSONWithHeaders(ctx, http.MethodPost, "/api/v1/signals", sig, &res, headers); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetStatus fetches the engine dependency checks.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
