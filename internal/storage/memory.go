package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Backend. Documents are copied on the way in and out
// so callers never share mutable state with the store.
type Memory struct {
	mu    sync.RWMutex
	docs  map[string]Document
	audit []MutationAuditEntry
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

// Kind implements Backend.
func (m *Memory) Kind() string { return "memory" }

// Migrate implements Backend. There is no schema.
func (m *Memory) Migrate(context.Context) error { return nil }

// Ping implements Backend.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Backend.
func (m *Memory) Close(context.Context) {}

// Create implements DocumentStore.
func (m *Memory) Create(_ context.Context, doc Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.ID]; ok {
		return Document{}, fmt.Errorf("storage: create document %s: %w", doc.ID, ErrAlreadyExists)
	}
	now := time.Now().UTC()
	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now
	m.docs[doc.ID] = cloneDocument(doc)
	return cloneDocument(doc), nil
}

// Load implements DocumentStore.
func (m *Memory) Load(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return cloneDocument(doc), nil
}

// Save implements DocumentStore.
func (m *Memory) Save(_ context.Context, doc Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.docs[doc.ID]
	if !ok {
		return Document{}, fmt.Errorf("storage: document %s: %w", doc.ID, ErrNotFound)
	}
	if cur.Version != doc.Version {
		return Document{}, fmt.Errorf("storage: save document %s: %w", doc.ID, ErrVersionConflict)
	}
	cur.Status = doc.Status
	cur.Body = doc.Body
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	m.docs[doc.ID] = cloneDocument(cur)
	return cloneDocument(cur), nil
}

// ListByOwner implements DocumentStore.
func (m *Memory) ListByOwner(_ context.Context, ownerID string, limit int) ([]Document, error) {
	return m.list(func(d Document) bool { return d.OwnerID == ownerID }, true, limit), nil
}

// ListByStatus implements DocumentStore.
func (m *Memory) ListByStatus(_ context.Context, statuses []string, limit int) ([]Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return m.list(func(d Document) bool { return slices.Contains(statuses, d.Status) }, false, limit), nil
}

func (m *Memory) list(match func(Document) bool, newestFirst bool, limit int) []Document {
	m.mu.RLock()
	var out []Document
	for _, d := range m.docs {
		if match(d) {
			out = append(out, cloneDocument(d))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Document) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if newestFirst {
			return -c
		}
		return c
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// InsertMutationAudit implements AuditLog.
func (m *Memory) InsertMutationAudit(_ context.Context, e MutationAuditEntry) error {
	// Marshal anyway so a bad payload fails the same way it would in SQL.
	if _, _, _, err := auditPayloads(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// MutationAudit returns a copy of the audit entries recorded so far.
func (m *Memory) MutationAudit() []MutationAuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.audit)
}

func cloneDocument(d Document) Document {
	d.Body = slices.Clone(d.Body)
	return d
}
