// Package audit provides the domain façade for field auditors: the five
// audit operations (list, start, answer item, add photo, finalize),
// each transparently choosing between a direct remote call and a
// local-first offline fallback.
//
// Offline operations never fail due to network conditions. They succeed
// locally - durable mutation enqueued, cache optimistically updated -
// except when a genuinely required local precondition is missing, such
// as starting an audit against a template that was never cached.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/conforma/fieldsync/internal/api"
	"github.com/conforma/fieldsync/internal/connectivity"
	"github.com/conforma/fieldsync/internal/schema"
	"github.com/conforma/fieldsync/internal/store"
	syncpkg "github.com/conforma/fieldsync/internal/sync"
)

// ErrTemplateNotCached is returned when an offline StartAudit references
// a template that has never been cached. The auditor must reconnect and
// open the template once before working offline with it.
var ErrTemplateNotCached = errors.New("template not cached, reconnect first")

// ErrAuditNotCached is returned when an offline mutation references an
// audit absent from the local cache.
var ErrAuditNotCached = errors.New("audit not cached")

// ErrItemNotFound is returned when a template item cannot be matched to
// any item of the audit.
var ErrItemNotFound = errors.New("audit item not found")

// Config holds façade configuration.
type Config struct {
	// Logger for operation activity.
	Logger *log.Logger

	// Counter republishes the pending-mutation count after offline
	// enqueues. May be nil.
	Counter *syncpkg.PendingCounter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[audit] ", log.LstdFlags),
	}
}

// Service implements the local-first audit operations over the durable
// store, the remote API, and the connectivity gate.
type Service struct {
	store  *store.Store
	remote api.Remote
	gate   *connectivity.State
	config *Config
}

// NewService creates the façade. The store must be open with its schema
// initialized.
func NewService(st *store.Store, remote api.Remote, gate *connectivity.State, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[audit] ", log.LstdFlags)
	}
	return &Service{
		store:  st,
		remote: remote,
		gate:   gate,
		config: config,
	}
}

// ListAudits returns the auditor's audits. Online, the server list is
// authoritative and refreshes the cache; offline, the last cached list
// is returned, or an empty list if none exists.
func (s *Service) ListAudits(ctx context.Context, page, limit int) ([]schema.Audit, error) {
	if s.gate.Online() {
		list, err := s.remote.ListAudits(ctx, page, limit)
		if err != nil {
			return nil, err
		}
		if err := s.store.CachePut(ctx, store.ScopeAudits, store.AuditListKey, list); err != nil {
			s.config.Logger.Printf("Warning: failed to cache audit list: %v", err)
		}
		return list.Items, nil
	}

	var cached schema.AuditList
	err := s.store.CacheGet(ctx, store.ScopeAudits, store.AuditListKey, &cached)
	if errors.Is(err, store.ErrCacheMiss) {
		return []schema.Audit{}, nil
	}
	if err != nil {
		return nil, err
	}
	return cached.Items, nil
}

// StartAudit begins an audit for a unit from a checklist template.
//
// Offline, a full local audit is materialized from the cached template's
// active items (each pre-populated with an unanswered placeholder),
// stored under a temporary id, and a CreateAudit mutation is enqueued
// under that id.
func (s *Service) StartAudit(ctx context.Context, unitID, templateID string, lat, lon *float64) (*schema.Audit, error) {
	if s.gate.Online() {
		audit, err := s.remote.StartAudit(ctx, unitID, templateID, lat, lon)
		if err != nil {
			return nil, err
		}
		s.cacheAudit(ctx, audit)
		return audit, nil
	}

	var tmpl schema.Template
	err := s.store.CacheGet(ctx, store.ScopeTemplates, templateID, &tmpl)
	if errors.Is(err, store.ErrCacheMiss) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotCached, templateID)
	}
	if err != nil {
		return nil, err
	}

	tempID := schema.TempIDPrefix + uuid.NewString()

	active := tmpl.ActiveItems()
	items := make([]schema.AuditItem, 0, len(active))
	for _, ti := range active {
		ti := ti
		items = append(items, schema.AuditItem{
			TemplateItem:   &ti,
			TemplateItemID: ti.ID,
			Answer:         schema.AnswerUnanswered,
		})
	}

	audit := &schema.Audit{
		ID:         tempID,
		UnitID:     unitID,
		TemplateID: templateID,
		Status:     schema.AuditStatusOpen,
		Items:      items,
		Latitude:   lat,
		Longitude:  lon,
		StartedAt:  time.Now().UTC(),
	}

	s.cacheAudit(ctx, audit)

	payload := schema.CreateAuditPayload{
		UnitID:     unitID,
		TemplateID: templateID,
		Latitude:   lat,
		Longitude:  lon,
		TempID:     tempID,
	}
	if _, err := s.store.Enqueue(ctx, schema.KindCreateAudit, payload, tempID); err != nil {
		return nil, err
	}
	s.config.Counter.Bump()

	s.config.Logger.Printf("Started audit %s offline (unit=%s, template=%s)", tempID, unitID, templateID)
	return audit, nil
}

// AnswerItem records an answer on an audit item, addressed by the
// originating template item.
//
// Offline, the mutation carries the template-item id (the server
// audit-item id may not exist yet) and the cached audit's matching item
// is patched in place.
func (s *Service) AnswerItem(ctx context.Context, auditID, templateItemID, answer string, fields map[string]string) error {
	if s.gate.Online() && !schema.IsTempID(auditID) {
		audit, itemID, err := s.resolveRemoteItem(ctx, auditID, templateItemID)
		if err != nil {
			return err
		}
		if _, err := s.remote.AnswerItem(ctx, auditID, itemID, answer, fields); err != nil {
			return err
		}
		s.patchItem(audit, templateItemID, func(it *schema.AuditItem) {
			it.Answer = answer
			it.Fields = fields
		})
		s.cacheAudit(ctx, audit)
		return nil
	}

	payload := schema.AnswerItemPayload{
		TemplateItemID: templateItemID,
		Answer:         answer,
		Fields:         fields,
	}
	if _, err := s.store.Enqueue(ctx, schema.KindAnswerItem, payload, auditID); err != nil {
		return err
	}
	s.config.Counter.Bump()

	s.patchCachedAudit(ctx, auditID, templateItemID, func(it *schema.AuditItem) {
		it.Answer = answer
		it.Fields = fields
	})
	return nil
}

// AddPhoto attaches photo bytes to an audit item.
//
// Offline, the bytes are persisted to the blob store and a locally
// addressed placeholder is appended to the cached item so the UI
// reflects the attachment immediately.
func (s *Service) AddPhoto(ctx context.Context, auditID, templateItemID string, data []byte, lat, lon *float64) error {
	if s.gate.Online() && !schema.IsTempID(auditID) {
		audit, itemID, err := s.resolveRemoteItem(ctx, auditID, templateItemID)
		if err != nil {
			return err
		}
		result, err := s.remote.AttachPhoto(ctx, auditID, itemID, data, lat, lon)
		if err != nil {
			return err
		}
		s.patchItem(audit, templateItemID, func(it *schema.AuditItem) {
			it.Photos = append(it.Photos, schema.Photo{ID: result.ID, URL: result.URL})
		})
		s.cacheAudit(ctx, audit)
		return nil
	}

	blobID := uuid.NewString()
	if err := s.store.BlobSave(ctx, blobID, data); err != nil {
		return err
	}

	payload := schema.AddPhotoPayload{
		TemplateItemID: templateItemID,
		BlobID:         blobID,
		Latitude:       lat,
		Longitude:      lon,
	}
	if _, err := s.store.Enqueue(ctx, schema.KindAddPhoto, payload, auditID); err != nil {
		return err
	}
	s.config.Counter.Bump()

	s.patchCachedAudit(ctx, auditID, templateItemID, func(it *schema.AuditItem) {
		it.Photos = append(it.Photos, schema.Photo{LocalBlobID: blobID})
	})
	return nil
}

// FinalizeAudit closes an audit. Offline, the cached audit's status is
// optimistically flipped to finalized.
func (s *Service) FinalizeAudit(ctx context.Context, auditID, observations string) error {
	if s.gate.Online() && !schema.IsTempID(auditID) {
		audit, err := s.remote.FinalizeAudit(ctx, auditID, observations)
		if err != nil {
			return err
		}
		s.cacheAudit(ctx, audit)
		return nil
	}

	payload := schema.FinalizeAuditPayload{Observations: observations}
	if _, err := s.store.Enqueue(ctx, schema.KindFinalizeAudit, payload, auditID); err != nil {
		return err
	}
	s.config.Counter.Bump()

	var audit schema.Audit
	if err := s.store.CacheGet(ctx, store.ScopeAudits, auditID, &audit); err == nil {
		now := time.Now().UTC()
		audit.Status = schema.AuditStatusFinalized
		audit.Observations = observations
		audit.FinalizedAt = &now
		s.cacheAudit(ctx, &audit)
	}
	return nil
}

// Template returns a checklist template, read-through cached so it
// remains available for offline audit starts.
func (s *Service) Template(ctx context.Context, templateID string) (*schema.Template, error) {
	if s.gate.Online() {
		tmpl, err := s.remote.FetchTemplate(ctx, templateID)
		if err != nil {
			return nil, err
		}
		if err := s.store.CachePut(ctx, store.ScopeTemplates, templateID, tmpl); err != nil {
			s.config.Logger.Printf("Warning: failed to cache template %s: %v", templateID, err)
		}
		return tmpl, nil
	}

	var tmpl schema.Template
	err := s.store.CacheGet(ctx, store.ScopeTemplates, templateID, &tmpl)
	if errors.Is(err, store.ErrCacheMiss) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotCached, templateID)
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Units returns the auditable units, read-through cached under a fixed
// list key.
func (s *Service) Units(ctx context.Context) ([]schema.Unit, error) {
	const listKey = "list"

	if s.gate.Online() {
		units, err := s.remote.FetchUnits(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.store.CachePut(ctx, store.ScopeUnits, listKey, units); err != nil {
			s.config.Logger.Printf("Warning: failed to cache units: %v", err)
		}
		return units, nil
	}

	var units []schema.Unit
	err := s.store.CacheGet(ctx, store.ScopeUnits, listKey, &units)
	if errors.Is(err, store.ErrCacheMiss) {
		return []schema.Unit{}, nil
	}
	if err != nil {
		return nil, err
	}
	return units, nil
}

// RetryFailed flips failed queue items back to pending so the next sync
// run picks them up.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.config.Counter.Bump()
	}
	return n, nil
}

// cacheAudit writes an audit into the local cache under its own id.
func (s *Service) cacheAudit(ctx context.Context, audit *schema.Audit) {
	if err := s.store.CachePut(ctx, store.ScopeAudits, audit.ID, audit); err != nil {
		s.config.Logger.Printf("Warning: failed to cache audit %s: %v", audit.ID, err)
	}
}

// resolveRemoteItem fetches the audit (cache first, then server) and
// resolves the audit-item id for a template item.
func (s *Service) resolveRemoteItem(ctx context.Context, auditID, templateItemID string) (*schema.Audit, string, error) {
	var audit schema.Audit
	err := s.store.CacheGet(ctx, store.ScopeAudits, auditID, &audit)
	if errors.Is(err, store.ErrCacheMiss) {
		fetched, ferr := s.remote.FetchAudit(ctx, auditID)
		if ferr != nil {
			return nil, "", ferr
		}
		audit = *fetched
	} else if err != nil {
		return nil, "", err
	}

	want := schema.NormalizeID(templateItemID)
	for i := range audit.Items {
		if schema.NormalizeID(audit.Items[i].TemplateItemRef()) == want {
			return &audit, audit.Items[i].ID, nil
		}
	}
	return nil, "", fmt.Errorf("%w: template item %q on audit %s", ErrItemNotFound, templateItemID, auditID)
}

// patchItem mutates the audit item matching a template item in place.
func (s *Service) patchItem(audit *schema.Audit, templateItemID string, patch func(*schema.AuditItem)) {
	want := schema.NormalizeID(templateItemID)
	for i := range audit.Items {
		if schema.NormalizeID(audit.Items[i].TemplateItemRef()) == want {
			patch(&audit.Items[i])
			return
		}
	}
}

// patchCachedAudit applies an optimistic in-place patch to the cached
// audit's matching item. A missing cache entry is tolerated; the cache
// is best-effort.
func (s *Service) patchCachedAudit(ctx context.Context, auditID, templateItemID string, patch func(*schema.AuditItem)) {
	var audit schema.Audit
	if err := s.store.CacheGet(ctx, store.ScopeAudits, auditID, &audit); err != nil {
		return
	}
	s.patchItem(&audit, templateItemID, patch)
	s.cacheAudit(ctx, &audit)
}
