package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/conforma/fieldsync/internal/api"
	"github.com/conforma/fieldsync/internal/schema"
	"github.com/conforma/fieldsync/internal/store"
)

// errDependencyNotCreated classifies items whose required server id
// never became available.
const errDependencyNotCreated = "dependency not yet created"

// Result is the aggregate outcome of one drain. Item-level failures are
// recorded on the queue items, never surfaced individually.
type Result struct {
	Synced int
	Failed int
}

// Summary renders the single user-facing notification for a run.
func (r Result) Summary() string {
	if r.Failed == 0 {
		return fmt.Sprintf("Synced %d change(s)", r.Synced)
	}
	return fmt.Sprintf("%d synced, %d failed - check connection and retry", r.Synced, r.Failed)
}

// Events receives orchestrator lifecycle notifications. All fields are
// optional.
type Events struct {
	// SyncStarted fires when a drain actually begins (not on no-op
	// re-entrant calls).
	SyncStarted func()

	// SyncFinished fires with the aggregate outcome, whether the drain
	// completed normally or aborted.
	SyncFinished func(Result)
}

// Config holds orchestrator configuration.
type Config struct {
	// Logger for drain activity.
	Logger *log.Logger

	// Events for UI/monitoring consumption.
	Events Events
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Orchestrator drains the mutation queue against the remote API.
type Orchestrator struct {
	store   *store.Store
	remote  api.Remote
	config  *Config
	counter *PendingCounter

	syncing atomic.Bool
}

// New creates an Orchestrator. The store must be open with its schema
// initialized. counter may be nil.
func New(st *store.Store, remote api.Remote, counter *PendingCounter, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:   st,
		remote:  remote,
		config:  config,
		counter: counter,
	}
}

// Syncing reports whether a drain is currently running.
func (o *Orchestrator) Syncing() bool {
	return o.syncing.Load()
}

// Run drains all currently pending queue items in dependency order.
//
// Run is idempotent and re-entrant safe: a call while another drain is
// running returns immediately with an empty Result. Item failures are
// recorded on the items and reflected in the Result; the only error
// returned is an authentication failure, which aborts the drain.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.config.Logger.Printf("Sync already running, skipping")
		return Result{}, nil
	}
	defer o.syncing.Store(false)

	// The pending count is republished whether or not the drain
	// completes normally.
	defer o.counter.Flush()

	if reset, err := o.store.ResetInFlight(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to recover in-flight items: %w", err)
	} else if reset > 0 {
		o.config.Logger.Printf("Recovered %d in-flight item(s) from an interrupted run", reset)
	}

	items, err := o.store.ListPendingOrdered(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list pending items: %w", err)
	}
	if len(items) == 0 {
		return Result{}, nil
	}

	if o.config.Events.SyncStarted != nil {
		o.config.Events.SyncStarted()
	}
	o.config.Logger.Printf("Draining %d pending item(s)", len(items))

	recon := newReconciliation()

	// Groups whose dependency chain is already known to be broken in
	// this run; successors fail fast without a remote call.
	broken := make(map[string]bool)

	var result Result
	var abort error

	for _, item := range items {
		if err := o.store.MarkInFlight(ctx, item.ID); err != nil {
			o.config.Logger.Printf("Warning: failed to mark %s in-flight: %v", item.ID, err)
		}

		if item.GroupID != "" && broken[item.GroupID] {
			o.failItem(ctx, item, errDependencyNotCreated)
			result.Failed++
			continue
		}

		err := o.processItem(ctx, recon, item)
		if err == nil {
			if markErr := o.store.MarkDone(ctx, item.ID); markErr != nil {
				o.config.Logger.Printf("Warning: failed to mark %s done: %v", item.ID, markErr)
			}
			result.Synced++
			continue
		}

		o.failItem(ctx, item, err.Error())
		result.Failed++

		if item.Kind == schema.KindCreateAudit && item.GroupID != "" {
			// The audit never materialized; everything downstream in
			// this group is unreachable.
			broken[item.GroupID] = true
		}

		if errors.Is(err, api.ErrUnauthorized) {
			abort = fmt.Errorf("sync aborted: %w", api.ErrUnauthorized)
			break
		}
	}

	if abort != nil {
		o.config.Logger.Printf("Drain aborted, re-authentication required (%d synced, %d failed)", result.Synced, result.Failed)
	} else {
		o.config.Logger.Printf("Drain complete: %d synced, %d failed", result.Synced, result.Failed)
	}

	if o.config.Events.SyncFinished != nil {
		o.config.Events.SyncFinished(result)
	}

	return result, abort
}

// failItem records an item failure. The message is preserved verbatim.
func (o *Orchestrator) failItem(ctx context.Context, item *schema.QueueItem, msg string) {
	if err := o.store.MarkFailed(ctx, item.ID, msg); err != nil {
		o.config.Logger.Printf("Warning: failed to mark %s failed: %v", item.ID, err)
	}
	o.config.Logger.Printf("Item %s (%s) failed: %s", item.ID, item.Kind, msg)
}

// processItem replays a single queue item against the remote API.
func (o *Orchestrator) processItem(ctx context.Context, recon *reconciliation, item *schema.QueueItem) error {
	switch item.Kind {
	case schema.KindCreateAudit:
		return o.replayCreateAudit(ctx, recon, item)
	case schema.KindAnswerItem:
		return o.replayAnswerItem(ctx, recon, item)
	case schema.KindAddPhoto:
		return o.replayAddPhoto(ctx, recon, item)
	case schema.KindFinalizeAudit:
		return o.replayFinalizeAudit(ctx, recon, item)
	}
	return fmt.Errorf("unknown queue kind: %q", item.Kind)
}

func (o *Orchestrator) replayCreateAudit(ctx context.Context, recon *reconciliation, item *schema.QueueItem) error {
	var payload schema.CreateAuditPayload
	if err := item.DecodePayload(&payload); err != nil {
		return err
	}

	audit, err := o.remote.StartAudit(ctx, payload.UnitID, payload.TemplateID, payload.Latitude, payload.Longitude)
	if err != nil {
		return err
	}

	recon.addAudit(item.GroupID, audit)

	// The server copy replaces the optimistic one minted under the
	// temporary id.
	if err := o.store.CachePut(ctx, store.ScopeAudits, audit.ID, audit); err != nil {
		o.config.Logger.Printf("Warning: failed to cache audit %s: %v", audit.ID, err)
	}
	if payload.TempID != "" {
		if err := o.store.CacheDelete(ctx, store.ScopeAudits, payload.TempID); err != nil {
			o.config.Logger.Printf("Warning: failed to drop temp audit %s from cache: %v", payload.TempID, err)
		}
	}

	o.config.Logger.Printf("Created audit %s (was %s)", audit.ID, item.GroupID)
	return nil
}

func (o *Orchestrator) replayAnswerItem(ctx context.Context, recon *reconciliation, item *schema.QueueItem) error {
	var payload schema.AnswerItemPayload
	if err := item.DecodePayload(&payload); err != nil {
		return err
	}

	auditID, err := o.resolveAudit(ctx, recon, item.GroupID)
	if err != nil {
		return err
	}

	itemID, ok := recon.itemID(auditID, payload.TemplateItemID)
	if !ok {
		return fmt.Errorf("no audit item for template item %q on audit %s", payload.TemplateItemID, auditID)
	}

	if _, err := o.remote.AnswerItem(ctx, auditID, itemID, payload.Answer, payload.Fields); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) replayAddPhoto(ctx context.Context, recon *reconciliation, item *schema.QueueItem) error {
	var payload schema.AddPhotoPayload
	if err := item.DecodePayload(&payload); err != nil {
		return err
	}

	auditID, err := o.resolveAudit(ctx, recon, item.GroupID)
	if err != nil {
		return err
	}

	itemID, ok := recon.itemID(auditID, payload.TemplateItemID)
	if !ok {
		return fmt.Errorf("no audit item for template item %q on audit %s", payload.TemplateItemID, auditID)
	}

	data, err := o.store.BlobLoad(ctx, payload.BlobID)
	if err != nil {
		return err
	}

	if _, err := o.remote.AttachPhoto(ctx, auditID, itemID, data, payload.Latitude, payload.Longitude); err != nil {
		return err
	}

	// The payload is server-side now; reclaim the local copy.
	if err := o.store.BlobDelete(ctx, payload.BlobID); err != nil {
		o.config.Logger.Printf("Warning: failed to delete blob %s: %v", payload.BlobID, err)
	}
	return nil
}

func (o *Orchestrator) replayFinalizeAudit(ctx context.Context, recon *reconciliation, item *schema.QueueItem) error {
	var payload schema.FinalizeAuditPayload
	if err := item.DecodePayload(&payload); err != nil {
		return err
	}

	auditID, err := o.resolveAudit(ctx, recon, item.GroupID)
	if err != nil {
		return err
	}

	audit, err := o.remote.FinalizeAudit(ctx, auditID, payload.Observations)
	if err != nil {
		return err
	}

	if err := o.store.CachePut(ctx, store.ScopeAudits, audit.ID, audit); err != nil {
		o.config.Logger.Printf("Warning: failed to cache audit %s: %v", audit.ID, err)
	}

	// No further operations expected for this audit.
	recon.drop(item.GroupID)
	return nil
}

// resolveAudit translates a queue group into the server audit id.
//
// A group keyed by a real server id (audit created online, mutated
// offline later) is fetched lazily on first need to populate the
// template-item mapping. A locally minted group with no map entry means
// its CreateAudit never replayed; the dependency cannot exist.
func (o *Orchestrator) resolveAudit(ctx context.Context, recon *reconciliation, groupID string) (string, error) {
	if groupID == "" {
		return "", errors.New(errDependencyNotCreated)
	}

	if auditID, ok := recon.auditID(groupID); ok {
		return auditID, nil
	}

	if schema.IsTempID(groupID) {
		return "", errors.New(errDependencyNotCreated)
	}

	audit, err := o.remote.FetchAudit(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch audit %s: %w", groupID, err)
	}

	recon.addAudit(groupID, audit)
	return audit.ID, nil
}
