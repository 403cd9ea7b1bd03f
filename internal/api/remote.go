// Package api defines the remote audit API contract the sync engine
// depends on, plus an HTTP/JSON client implementation.
//
// The engine only ever talks to the server through the Remote
// interface; tests substitute an in-memory fake.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/conforma/fieldsync/internal/schema"
)

// ErrUnauthorized indicates an authentication failure. A sync drain
// observing it aborts immediately; the caller must re-authenticate
// before any further sync is attempted.
var ErrUnauthorized = errors.New("authentication required")

// APIError is a remote rejection. The server message is preserved
// verbatim for diagnostics.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote error (status %d)", e.StatusCode)
}

// Unwrap maps authentication status codes onto ErrUnauthorized so
// callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return ErrUnauthorized
	}
	return nil
}

// PhotoResult is the server's acknowledgement of an attached photo.
type PhotoResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Remote is the audit server contract consumed by the sync engine.
//
// Every Audit returned must expose, on each of its items, a resolvable
// reference back to the originating template item (embedded object or
// foreign key); identifier reconciliation depends on that join key.
type Remote interface {
	// StartAudit instantiates an audit for a unit from a checklist
	// template. The returned audit carries the server-created items.
	StartAudit(ctx context.Context, unitID, templateID string, lat, lon *float64) (*schema.Audit, error)

	// AnswerItem records an answer on an audit item.
	AnswerItem(ctx context.Context, auditID, auditItemID, answer string, fields map[string]string) (*schema.AuditItem, error)

	// AttachPhoto uploads photo bytes onto an audit item.
	AttachPhoto(ctx context.Context, auditID, auditItemID string, data []byte, lat, lon *float64) (*PhotoResult, error)

	// FinalizeAudit closes an audit.
	FinalizeAudit(ctx context.Context, auditID, observations string) (*schema.Audit, error)

	// FetchAudit returns the server's canonical representation of an
	// audit, items included.
	FetchAudit(ctx context.Context, auditID string) (*schema.Audit, error)

	// ListAudits returns a page of the caller's audits.
	ListAudits(ctx context.Context, page, limit int) (*schema.AuditList, error)

	// FetchTemplate returns a checklist template with its items.
	FetchTemplate(ctx context.Context, templateID string) (*schema.Template, error)

	// FetchUnits returns the auditable units visible to the caller.
	FetchUnits(ctx context.Context) ([]schema.Unit, error)
}
