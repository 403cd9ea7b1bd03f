package audit

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conforma/fieldsync/internal/api"
	"github.com/conforma/fieldsync/internal/connectivity"
	"github.com/conforma/fieldsync/internal/schema"
	"github.com/conforma/fieldsync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

// stubRemote is a minimal canned-response server for façade tests.
type stubRemote struct {
	audits    map[string]*schema.Audit
	template  *schema.Template
	units     []schema.Unit
	listErr   error
	startErr  error
	answerErr error

	calls []string
}

func newStubRemote() *stubRemote {
	return &stubRemote{audits: make(map[string]*schema.Audit)}
}

func (r *stubRemote) StartAudit(ctx context.Context, unitID, templateID string, lat, lon *float64) (*schema.Audit, error) {
	r.calls = append(r.calls, "start_audit")
	if r.startErr != nil {
		return nil, r.startErr
	}
	audit := &schema.Audit{
		ID:         "srv-1",
		UnitID:     unitID,
		TemplateID: templateID,
		Status:     schema.AuditStatusOpen,
		Items: []schema.AuditItem{
			{ID: "item-1", TemplateItemID: "ti-1", Answer: schema.AnswerUnanswered},
		},
		StartedAt: time.Now().UTC(),
	}
	r.audits[audit.ID] = audit
	return audit, nil
}

func (r *stubRemote) AnswerItem(ctx context.Context, auditID, auditItemID, answer string, fields map[string]string) (*schema.AuditItem, error) {
	r.calls = append(r.calls, "answer_item:"+auditItemID)
	if r.answerErr != nil {
		return nil, r.answerErr
	}
	return &schema.AuditItem{ID: auditItemID, Answer: answer, Fields: fields}, nil
}

func (r *stubRemote) AttachPhoto(ctx context.Context, auditID, auditItemID string, data []byte, lat, lon *float64) (*api.PhotoResult, error) {
	r.calls = append(r.calls, "attach_photo:"+auditItemID)
	return &api.PhotoResult{ID: "photo-1", URL: "https://cdn.example.com/photo-1.jpg"}, nil
}

func (r *stubRemote) FinalizeAudit(ctx context.Context, auditID, observations string) (*schema.Audit, error) {
	r.calls = append(r.calls, "finalize_audit:"+auditID)
	audit, ok := r.audits[auditID]
	if !ok {
		return nil, &api.APIError{StatusCode: 404, Message: "audit not found"}
	}
	audit.Status = schema.AuditStatusFinalized
	audit.Observations = observations
	return audit, nil
}

func (r *stubRemote) FetchAudit(ctx context.Context, auditID string) (*schema.Audit, error) {
	r.calls = append(r.calls, "fetch_audit:"+auditID)
	audit, ok := r.audits[auditID]
	if !ok {
		return nil, &api.APIError{StatusCode: 404, Message: "audit not found"}
	}
	return audit, nil
}

func (r *stubRemote) ListAudits(ctx context.Context, page, limit int) (*schema.AuditList, error) {
	r.calls = append(r.calls, "list_audits")
	if r.listErr != nil {
		return nil, r.listErr
	}
	var list schema.AuditList
	for _, a := range r.audits {
		list.Items = append(list.Items, *a)
	}
	return &list, nil
}

func (r *stubRemote) FetchTemplate(ctx context.Context, templateID string) (*schema.Template, error) {
	r.calls = append(r.calls, "fetch_template:"+templateID)
	if r.template == nil {
		return nil, &api.APIError{StatusCode: 404, Message: "template not found"}
	}
	return r.template, nil
}

func (r *stubRemote) FetchUnits(ctx context.Context) ([]schema.Unit, error) {
	r.calls = append(r.calls, "fetch_units")
	return r.units, nil
}

func newTestService(t *testing.T, st *store.Store, remote api.Remote, online bool) *Service {
	t.Helper()
	return NewService(st, remote, connectivity.NewState(online), &Config{
		Logger: log.New(os.Stderr, "[test] ", 0),
	})
}

func cacheTemplate(t *testing.T, st *store.Store) *schema.Template {
	t.Helper()

	tmpl := &schema.Template{
		ID:   "T1",
		Name: "HACCP checklist",
		Items: []schema.TemplateItem{
			{ID: "ti-1", Question: "Floor clean?", Order: 1, Active: true},
			{ID: "ti-2", Question: "Deprecated check", Order: 2, Active: false},
			{ID: "ti-3", Question: "Fridge below 5C?", Order: 3, Active: true},
		},
	}
	if err := st.CachePut(context.Background(), store.ScopeTemplates, tmpl.ID, tmpl); err != nil {
		t.Fatalf("failed to cache template: %v", err)
	}
	return tmpl
}

func TestStartAuditOfflineMaterializesFromTemplate(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	cacheTemplate(t, st)

	svc := newTestService(t, st, remote, false)

	audit, err := svc.StartAudit(ctx, "U1", "T1", nil, nil)
	if err != nil {
		t.Fatalf("StartAudit failed: %v", err)
	}

	if !schema.IsTempID(audit.ID) {
		t.Errorf("expected temp id, got %q", audit.ID)
	}
	if audit.Status != schema.AuditStatusOpen {
		t.Errorf("expected open status, got %q", audit.Status)
	}

	// Only the active template items materialize, pre-answered with the
	// placeholder.
	if len(audit.Items) != 2 {
		t.Fatalf("expected 2 items from active template items, got %d", len(audit.Items))
	}
	for _, item := range audit.Items {
		if item.Answer != schema.AnswerUnanswered {
			t.Errorf("item %s: expected placeholder answer, got %q", item.TemplateItemRef(), item.Answer)
		}
	}

	// The audit is fully usable from cache and a creation mutation is
	// queued under the temp id.
	var cached schema.Audit
	if err := st.CacheGet(ctx, store.ScopeAudits, audit.ID, &cached); err != nil {
		t.Errorf("expected audit cached under temp id: %v", err)
	}

	pending, err := st.ListPendingOrdered(ctx)
	if err != nil {
		t.Fatalf("ListPendingOrdered failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != schema.KindCreateAudit || pending[0].GroupID != audit.ID {
		t.Errorf("expected one CreateAudit mutation grouped under %s, got %+v", audit.ID, pending)
	}

	if len(remote.calls) != 0 {
		t.Errorf("offline start must not call the remote, got %v", remote.calls)
	}
}

func TestStartAuditOfflineRequiresCachedTemplate(t *testing.T) {
	st := setupTestStore(t)
	remote := newStubRemote()
	svc := newTestService(t, st, remote, false)

	_, err := svc.StartAudit(context.Background(), "U1", "T-never-seen", nil, nil)
	if !errors.Is(err, ErrTemplateNotCached) {
		t.Fatalf("expected ErrTemplateNotCached, got %v", err)
	}
}

func TestStartAuditOnline(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	svc := newTestService(t, st, remote, true)

	audit, err := svc.StartAudit(ctx, "U1", "T1", nil, nil)
	if err != nil {
		t.Fatalf("StartAudit failed: %v", err)
	}
	if audit.ID != "srv-1" {
		t.Errorf("expected server id, got %q", audit.ID)
	}

	// Cached for later offline use, nothing queued.
	var cached schema.Audit
	if err := st.CacheGet(ctx, store.ScopeAudits, "srv-1", &cached); err != nil {
		t.Errorf("expected server audit cached: %v", err)
	}
	pending, _ := st.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("online start must not enqueue, pending=%d", pending)
	}
}

func TestAnswerItemOfflinePatchesCache(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	cacheTemplate(t, st)

	svc := newTestService(t, st, remote, false)
	audit, err := svc.StartAudit(ctx, "U1", "T1", nil, nil)
	if err != nil {
		t.Fatalf("StartAudit failed: %v", err)
	}

	if err := svc.AnswerItem(ctx, audit.ID, "ti-1", "conforme", map[string]string{"severity": "low"}); err != nil {
		t.Fatalf("AnswerItem failed: %v", err)
	}

	var cached schema.Audit
	if err := st.CacheGet(ctx, store.ScopeAudits, audit.ID, &cached); err != nil {
		t.Fatalf("CacheGet failed: %v", err)
	}
	var patched *schema.AuditItem
	for i := range cached.Items {
		if schema.NormalizeID(cached.Items[i].TemplateItemRef()) == "ti-1" {
			patched = &cached.Items[i]
		}
	}
	if patched == nil {
		t.Fatal("answered item missing from cached audit")
	}
	if patched.Answer != "conforme" {
		t.Errorf("expected optimistic answer, got %q", patched.Answer)
	}
	if patched.Fields["severity"] != "low" {
		t.Errorf("expected fields preserved, got %v", patched.Fields)
	}

	pending, _ := st.PendingCount(ctx)
	if pending != 2 {
		t.Errorf("expected create + answer queued, pending=%d", pending)
	}
}

func TestAnswerItemOnlineResolvesRemoteItem(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	remote.audits["srv-1"] = &schema.Audit{
		ID:     "srv-1",
		UnitID: "U1", TemplateID: "T1",
		Status: schema.AuditStatusOpen,
		Items: []schema.AuditItem{
			{ID: "item-1", TemplateItemID: "TI-1", Answer: schema.AnswerUnanswered},
		},
	}

	svc := newTestService(t, st, remote, true)

	// Normalized matching: the caller addresses with a lowercase id.
	if err := svc.AnswerItem(ctx, "srv-1", "ti-1", "conforme", nil); err != nil {
		t.Fatalf("AnswerItem failed: %v", err)
	}

	found := false
	for _, call := range remote.calls {
		if call == "answer_item:item-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected answer against resolved item id, calls: %v", remote.calls)
	}

	pending, _ := st.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("online answer must not enqueue, pending=%d", pending)
	}
}

func TestAnswerItemUnknownTemplateItem(t *testing.T) {
	st := setupTestStore(t)
	remote := newStubRemote()
	remote.audits["srv-1"] = &schema.Audit{
		ID: "srv-1", UnitID: "U1", TemplateID: "T1", Status: schema.AuditStatusOpen,
	}

	svc := newTestService(t, st, remote, true)
	err := svc.AnswerItem(context.Background(), "srv-1", "ti-unknown", "conforme", nil)
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestAnswerItemOnTempAuditStaysLocal(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	cacheTemplate(t, st)

	// Went offline, started an audit, came back online before syncing.
	offline := newTestService(t, st, remote, false)
	audit, err := offline.StartAudit(ctx, "U1", "T1", nil, nil)
	if err != nil {
		t.Fatalf("StartAudit failed: %v", err)
	}

	online := newTestService(t, st, remote, true)
	if err := online.AnswerItem(ctx, audit.ID, "ti-1", "conforme", nil); err != nil {
		t.Fatalf("AnswerItem failed: %v", err)
	}

	// The server has never heard of the temp id; the mutation queues
	// behind the pending CreateAudit instead.
	for _, call := range remote.calls {
		if strings.HasPrefix(call, "answer_item") {
			t.Errorf("temp-id mutation must not hit the remote: %s", call)
		}
	}
	pending, _ := st.PendingCount(ctx)
	if pending != 2 {
		t.Errorf("expected create + answer queued, pending=%d", pending)
	}
}

func TestAddPhotoOfflinePersistsBlob(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	cacheTemplate(t, st)

	svc := newTestService(t, st, remote, false)
	audit, err := svc.StartAudit(ctx, "U1", "T1", nil, nil)
	if err != nil {
		t.Fatalf("StartAudit failed: %v", err)
	}

	photo := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if err := svc.AddPhoto(ctx, audit.ID, "ti-1", photo, nil, nil); err != nil {
		t.Fatalf("AddPhoto failed: %v", err)
	}

	blobs, err := st.BlobCount(ctx)
	if err != nil {
		t.Fatalf("BlobCount failed: %v", err)
	}
	if blobs != 1 {
		t.Errorf("expected 1 stored blob, got %d", blobs)
	}

	// The cached item carries a locally addressed placeholder photo.
	var cached schema.Audit
	if err := st.CacheGet(ctx, store.ScopeAudits, audit.ID, &cached); err != nil {
		t.Fatalf("CacheGet failed: %v", err)
	}
	var placeholder *schema.Photo
	for i := range cached.Items {
		if schema.NormalizeID(cached.Items[i].TemplateItemRef()) == "ti-1" && len(cached.Items[i].Photos) > 0 {
			placeholder = &cached.Items[i].Photos[0]
		}
	}
	if placeholder == nil {
		t.Fatal("expected placeholder photo on cached item")
	}
	if placeholder.LocalBlobID == "" || placeholder.ID != "" || placeholder.URL != "" {
		t.Errorf("placeholder should only carry a blob reference, got %+v", placeholder)
	}

	// The queued payload references the same blob.
	pending, err := st.ListPendingOrdered(ctx)
	if err != nil {
		t.Fatalf("ListPendingOrdered failed: %v", err)
	}
	var photoPayload schema.AddPhotoPayload
	for _, item := range pending {
		if item.Kind == schema.KindAddPhoto {
			if err := item.DecodePayload(&photoPayload); err != nil {
				t.Fatalf("DecodePayload failed: %v", err)
			}
		}
	}
	if photoPayload.BlobID != placeholder.LocalBlobID {
		t.Errorf("queued blob id %q does not match placeholder %q", photoPayload.BlobID, placeholder.LocalBlobID)
	}
}

func TestFinalizeAuditOfflineFlipsCachedStatus(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	cacheTemplate(t, st)

	svc := newTestService(t, st, remote, false)
	audit, err := svc.StartAudit(ctx, "U1", "T1", nil, nil)
	if err != nil {
		t.Fatalf("StartAudit failed: %v", err)
	}

	if err := svc.FinalizeAudit(ctx, audit.ID, "all clear"); err != nil {
		t.Fatalf("FinalizeAudit failed: %v", err)
	}

	var cached schema.Audit
	if err := st.CacheGet(ctx, store.ScopeAudits, audit.ID, &cached); err != nil {
		t.Fatalf("CacheGet failed: %v", err)
	}
	if cached.Status != schema.AuditStatusFinalized {
		t.Errorf("expected finalized status, got %q", cached.Status)
	}
	if cached.Observations != "all clear" {
		t.Errorf("expected observations preserved, got %q", cached.Observations)
	}
	if cached.FinalizedAt == nil {
		t.Error("expected FinalizedAt set")
	}
}

func TestListAuditsOfflineWithoutCacheIsEmpty(t *testing.T) {
	st := setupTestStore(t)
	remote := newStubRemote()
	svc := newTestService(t, st, remote, false)

	audits, err := svc.ListAudits(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("ListAudits failed: %v", err)
	}
	if audits == nil {
		t.Error("expected empty slice, not nil")
	}
	if len(audits) != 0 {
		t.Errorf("expected no audits, got %d", len(audits))
	}
}

func TestListAuditsOnlineRefreshesCache(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	remote.audits["srv-1"] = &schema.Audit{ID: "srv-1", UnitID: "U1", TemplateID: "T1", Status: schema.AuditStatusOpen}

	online := newTestService(t, st, remote, true)
	audits, err := online.ListAudits(ctx, 1, 20)
	if err != nil {
		t.Fatalf("ListAudits failed: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit, got %d", len(audits))
	}

	// The refreshed list serves the next offline session.
	offline := newTestService(t, st, remote, false)
	cached, err := offline.ListAudits(ctx, 1, 20)
	if err != nil {
		t.Fatalf("offline ListAudits failed: %v", err)
	}
	if len(cached) != 1 || cached[0].ID != "srv-1" {
		t.Errorf("expected cached list offline, got %+v", cached)
	}
}

func TestTemplateReadThroughCache(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	remote.template = &schema.Template{
		ID: "T1", Name: "HACCP",
		Items: []schema.TemplateItem{{ID: "ti-1", Active: true}},
	}

	online := newTestService(t, st, remote, true)
	if _, err := online.Template(ctx, "T1"); err != nil {
		t.Fatalf("Template failed: %v", err)
	}

	// Offline start now works against the template fetched online.
	offline := newTestService(t, st, remote, false)
	tmpl, err := offline.Template(ctx, "T1")
	if err != nil {
		t.Fatalf("offline Template failed: %v", err)
	}
	if tmpl.ID != "T1" {
		t.Errorf("unexpected template %+v", tmpl)
	}

	if _, err := offline.StartAudit(ctx, "U1", "T1", nil, nil); err != nil {
		t.Errorf("offline StartAudit after online fetch failed: %v", err)
	}
}

func TestUnitsReadThroughCache(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	remote.units = []schema.Unit{{ID: "U1", Name: "Central kitchen"}}

	online := newTestService(t, st, remote, true)
	if _, err := online.Units(ctx); err != nil {
		t.Fatalf("Units failed: %v", err)
	}

	offline := newTestService(t, st, remote, false)
	units, err := offline.Units(ctx)
	if err != nil {
		t.Fatalf("offline Units failed: %v", err)
	}
	if len(units) != 1 || units[0].ID != "U1" {
		t.Errorf("expected cached units offline, got %+v", units)
	}
}

func TestRetryFailed(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	remote := newStubRemote()
	svc := newTestService(t, st, remote, false)

	id, err := st.Enqueue(ctx, schema.KindAnswerItem, schema.AnswerItemPayload{TemplateItemID: "ti-1"}, "local-a")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := st.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	n, err := svc.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 retried item, got %d", n)
	}
}
