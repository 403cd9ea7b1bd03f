package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/conforma/fieldsync/internal/schema"
)

// Client is the HTTP implementation of Remote.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL of the audit API, e.g. "https://api.example.com/v1"
	BaseURL string

	// Token is the bearer token attached to every request.
	Token string

	// Timeout for each request (default: 30s). Photo uploads over slow
	// field connections need headroom.
	Timeout time.Duration
}

// NewClient creates an HTTP Remote against the given API.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    &http.Client{Timeout: config.Timeout},
	}
}

// StartAudit implements Remote.StartAudit.
func (c *Client) StartAudit(ctx context.Context, unitID, templateID string, lat, lon *float64) (*schema.Audit, error) {
	body := map[string]any{
		"unit_id":     unitID,
		"template_id": templateID,
	}
	if lat != nil {
		body["latitude"] = *lat
	}
	if lon != nil {
		body["longitude"] = *lon
	}

	var audit schema.Audit
	if err := c.doJSON(ctx, http.MethodPost, "/audits", body, &audit); err != nil {
		return nil, fmt.Errorf("failed to start audit: %w", err)
	}
	return &audit, nil
}

// AnswerItem implements Remote.AnswerItem.
func (c *Client) AnswerItem(ctx context.Context, auditID, auditItemID, answer string, fields map[string]string) (*schema.AuditItem, error) {
	body := map[string]any{
		"answer": answer,
	}
	if len(fields) > 0 {
		body["fields"] = fields
	}

	path := fmt.Sprintf("/audits/%s/items/%s", url.PathEscape(auditID), url.PathEscape(auditItemID))
	var item schema.AuditItem
	if err := c.doJSON(ctx, http.MethodPut, path, body, &item); err != nil {
		return nil, fmt.Errorf("failed to answer item: %w", err)
	}
	return &item, nil
}

// AttachPhoto implements Remote.AttachPhoto. The payload is sent as
// multipart form data with the bytes under the "photo" field.
func (c *Client) AttachPhoto(ctx context.Context, auditID, auditItemID string, data []byte, lat, lon *float64) (*PhotoResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("photo", "photo.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to build photo upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build photo upload: %w", err)
	}
	if lat != nil {
		_ = w.WriteField("latitude", strconv.FormatFloat(*lat, 'f', -1, 64))
	}
	if lon != nil {
		_ = w.WriteField("longitude", strconv.FormatFloat(*lon, 'f', -1, 64))
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to build photo upload: %w", err)
	}

	path := fmt.Sprintf("/audits/%s/items/%s/photos", url.PathEscape(auditID), url.PathEscape(auditItemID))
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result PhotoResult
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("failed to attach photo: %w", err)
	}
	return &result, nil
}

// FinalizeAudit implements Remote.FinalizeAudit.
func (c *Client) FinalizeAudit(ctx context.Context, auditID, observations string) (*schema.Audit, error) {
	body := map[string]any{}
	if observations != "" {
		body["observations"] = observations
	}

	path := fmt.Sprintf("/audits/%s/finalize", url.PathEscape(auditID))
	var audit schema.Audit
	if err := c.doJSON(ctx, http.MethodPost, path, body, &audit); err != nil {
		return nil, fmt.Errorf("failed to finalize audit: %w", err)
	}
	return &audit, nil
}

// FetchAudit implements Remote.FetchAudit.
func (c *Client) FetchAudit(ctx context.Context, auditID string) (*schema.Audit, error) {
	path := fmt.Sprintf("/audits/%s", url.PathEscape(auditID))
	var audit schema.Audit
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &audit); err != nil {
		return nil, fmt.Errorf("failed to fetch audit %s: %w", auditID, err)
	}
	return &audit, nil
}

// ListAudits implements Remote.ListAudits.
func (c *Client) ListAudits(ctx context.Context, page, limit int) (*schema.AuditList, error) {
	path := fmt.Sprintf("/audits?page=%d&limit=%d", page, limit)
	var list schema.AuditList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	return &list, nil
}

// FetchTemplate implements Remote.FetchTemplate.
func (c *Client) FetchTemplate(ctx context.Context, templateID string) (*schema.Template, error) {
	path := fmt.Sprintf("/templates/%s", url.PathEscape(templateID))
	var tmpl schema.Template
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to fetch template %s: %w", templateID, err)
	}
	return &tmpl, nil
}

// FetchUnits implements Remote.FetchUnits.
func (c *Client) FetchUnits(ctx context.Context) ([]schema.Unit, error) {
	var resp struct {
		Items []schema.Unit `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/units", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch units: %w", err)
	}
	return resp.Items, nil
}

// Ping checks server reachability. Used by the connectivity monitor.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodHead, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readErrorMessage extracts the server's error message, preferring a
// JSON {"error": ...} body and falling back to the raw text.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
