package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the logical type of a queued mutation.
type Kind string

const (
	KindCreateAudit   Kind = "create_audit"
	KindAnswerItem    Kind = "answer_item"
	KindAddPhoto      Kind = "add_photo"
	KindFinalizeAudit Kind = "finalize_audit"
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Rank returns the fixed intra-group replay rank for a mutation kind.
// An audit must exist on the server before answers or photos can attach
// to it, and all answers logically precede finalization.
func (k Kind) Rank() (int, error) {
	switch k {
	case KindCreateAudit:
		return 0, nil
	case KindAnswerItem, KindAddPhoto:
		return 1, nil
	case KindFinalizeAudit:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown queue kind: %q", k)
}

// QueueItem is one durable, replayable write operation awaiting
// submission to the remote system.
type QueueItem struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	GroupID   string          `json:"group_id,omitempty"`
	Rank      int             `json:"rank"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateAuditPayload carries the original start-audit request parameters
// so the operation can be replayed verbatim against the server.
type CreateAuditPayload struct {
	UnitID     string   `json:"unit_id"`
	TemplateID string   `json:"template_id"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	TempID     string   `json:"temp_id"`
}

// AnswerItemPayload records an answer keyed by template-item id. The
// server audit-item id may not exist at enqueue time; the orchestrator
// resolves it during replay.
type AnswerItemPayload struct {
	TemplateItemID string            `json:"template_item_id"`
	Answer         string            `json:"answer"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// AddPhotoPayload references a locally stored blob; the bytes live in
// the blob store until replay succeeds.
type AddPhotoPayload struct {
	TemplateItemID string   `json:"template_item_id"`
	BlobID         string   `json:"blob_id"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
}

// FinalizeAuditPayload closes out an audit.
type FinalizeAuditPayload struct {
	Observations string `json:"observations,omitempty"`
}

// DecodePayload unmarshals the item's payload into out.
func (q *QueueItem) DecodePayload(out any) error {
	if err := json.Unmarshal(q.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", q.Kind, err)
	}
	return nil
}

// EncodePayload marshals a payload struct for enqueueing.
func EncodePayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
