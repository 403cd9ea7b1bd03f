// Package schema provides the data structures shared by the fieldsync
// engine: checklist templates, audits and their items, photo metadata,
// and the payloads carried by queued offline mutations.
//
// All structures round-trip through JSON; the same shapes are used for
// the remote API wire format and for the local cache payloads.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Audit statuses as reported by the remote API and mirrored in the
// local cache.
const (
	AuditStatusOpen      = "open"
	AuditStatusFinalized = "finalized"
)

// AnswerUnanswered is the placeholder answer pre-populated on every item
// of a locally materialized audit.
const AnswerUnanswered = "unanswered"

// TempIDPrefix marks client-minted audit identifiers that stand in for a
// not-yet-created server entity.
const TempIDPrefix = "local-"

// Audit represents one food-safety audit, either server-authoritative or
// locally materialized while offline.
type Audit struct {
	ID           string      `json:"id"`
	UnitID       string      `json:"unit_id"`
	TemplateID   string      `json:"template_id"`
	Status       string      `json:"status"`
	Items        []AuditItem `json:"items"`
	Observations string      `json:"observations,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinalizedAt  *time.Time  `json:"finalized_at,omitempty"`
}

// AuditItem is one checklist line of an audit.
//
// The link back to the originating template item may arrive from the
// remote layer in either of two shapes: an embedded TemplateItem object
// or a bare foreign-key column. Use TemplateItemRef to resolve it.
type AuditItem struct {
	ID             string            `json:"id"`
	TemplateItem   *TemplateItem     `json:"template_item,omitempty"`
	TemplateItemID string            `json:"template_item_id,omitempty"`
	Answer         string            `json:"answer"`
	Fields         map[string]string `json:"fields,omitempty"`
	Photos         []Photo           `json:"photos,omitempty"`
}

// Photo is an attachment on an audit item. Server-confirmed photos carry
// an ID and URL; offline placeholders carry only a local blob reference.
type Photo struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url,omitempty"`
	LocalBlobID string `json:"local_blob_id,omitempty"`
}

// Unit is an auditable site (restaurant, kitchen, warehouse).
type Unit struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ClientID string `json:"client_id,omitempty"`
}

// AuditList is a page of audits as returned by the remote list endpoint.
type AuditList struct {
	Items []Audit `json:"items"`
}

// Validate checks that an audit has the fields every consumer relies on.
func (a *Audit) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.UnitID == "" {
		return fmt.Errorf("unit_id is required")
	}
	if a.TemplateID == "" {
		return fmt.Errorf("template_id is required")
	}
	if a.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// TemplateItemRef resolves an item's reference to its originating
// template item. The embedded object wins; the foreign-key column is the
// fallback. Returns "" when neither shape is present.
func (it *AuditItem) TemplateItemRef() string {
	if it.TemplateItem != nil && it.TemplateItem.ID != "" {
		return it.TemplateItem.ID
	}
	return it.TemplateItemID
}

// NormalizeID canonicalizes an identifier for matching: surrounding
// whitespace is stripped and case is folded. Remote layers have been
// observed to disagree on both.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsTempID reports whether id was minted locally by this client.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
