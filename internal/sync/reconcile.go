package sync

import "github.com/conforma/fieldsync/internal/schema"

// reconciliation is the ephemeral identifier translation table built
// during one drain. It maps a queue group (temporary or real audit id)
// to the server audit id, and each template-item id to the audit-item id
// the server created for that audit.
//
// The map is never persisted; it is pure derived state, recomputable
// from the server's canonical audit representation. Discarding it
// between runs trades a little redundant lookup work for the
// elimination of stale-map bugs.
type reconciliation struct {
	audits map[string]string            // group id -> server audit id
	items  map[string]map[string]string // server audit id -> normalized template-item id -> audit-item id
}

func newReconciliation() *reconciliation {
	return &reconciliation{
		audits: make(map[string]string),
		items:  make(map[string]map[string]string),
	}
}

// addAudit records the server's audit and indexes its items by their
// template-item reference. Items with no resolvable reference are
// skipped; nothing can ever address them.
func (r *reconciliation) addAudit(groupID string, audit *schema.Audit) {
	r.audits[groupID] = audit.ID

	itemMap := make(map[string]string, len(audit.Items))
	for _, it := range audit.Items {
		ref := schema.NormalizeID(it.TemplateItemRef())
		if ref == "" {
			continue
		}
		itemMap[ref] = it.ID
	}
	r.items[audit.ID] = itemMap
}

// auditID resolves a queue group to its server audit id.
func (r *reconciliation) auditID(groupID string) (string, bool) {
	id, ok := r.audits[groupID]
	return id, ok
}

// itemID resolves a template-item id to the server audit-item id,
// case/whitespace-insensitively.
func (r *reconciliation) itemID(auditID, templateItemID string) (string, bool) {
	itemMap, ok := r.items[auditID]
	if !ok {
		return "", false
	}
	id, ok := itemMap[schema.NormalizeID(templateItemID)]
	return id, ok
}

// drop forgets a group once no further operations are expected for it.
func (r *reconciliation) drop(groupID string) {
	if auditID, ok := r.audits[groupID]; ok {
		delete(r.items, auditID)
	}
	delete(r.audits, groupID)
}
