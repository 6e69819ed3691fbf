package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationAuditEntry is an append-only audit event for a state-changing call.
// Every terminate, extension request and submission is attributable to an
// actor through one of these.
type MutationAuditEntry struct {
	ID           string
	RequestID    string
	ActorUserID  string
	ActorKind    string // "user" or "worker"
	HTTPMethod   string
	Endpoint     string
	Operation    string
	ResourceType string
	ResourceID   string
	BeforeData   any
	AfterData    any
	Metadata     map[string]any
	CreatedAt    time.Time
}

// auditPayloads marshals the JSON columns of an entry. before/after are nil
// when the corresponding data is absent.
func auditPayloads(e MutationAuditEntry) (before, after, meta []byte, err error) {
	if e.BeforeData != nil {
		before, err = json.Marshal(e.BeforeData)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: marshal mutation audit before_data: %w", err)
		}
	}
	if e.AfterData != nil {
		after, err = json.Marshal(e.AfterData)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: marshal mutation audit after_data: %w", err)
		}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err = json.Marshal(e.Metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal mutation audit metadata: %w", err)
	}
	return before, after, meta, nil
}
