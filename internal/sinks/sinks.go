// Package sinks implements the external audit-sink and event-sink contracts
// of §6: "append(record) accepting the record described in §4.5/§4.9". Both
// contracts are a single Sink interface since neither the audit writer nor
// the decision logger care about anything beyond "deliver this record
// somewhere, eventually, without blocking the caller on failure".
package sinks

import "context"

// Sink is the append-only external collaborator contract shared by the
// audit sink and the event sink.
type Sink interface {
	Append(ctx context.Context, record any) error
}

// Memory is an in-process Sink for tests and for deployments with no
// external collector configured.
type Memory struct {
	records []any
}

// NewMemory constructs an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores record for later inspection by Records.
func (m *Memory) Append(_ context.Context, record any) error {
	m.records = append(m.records, record)
	return nil
}

// Records returns every record appended so far, in order.
func (m *Memory) Records() []any {
	out := make([]any, len(m.records))
	copy(out, m.records)
	return out
}
