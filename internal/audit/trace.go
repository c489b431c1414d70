// Package audit records one trace per print request and aggregates them into usage statistics.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"label-print-service/internal/domain"
)

// Trace event names.
const (
	EventStart           = "start"
	EventStoreResolved   = "store_resolved"
	EventStoreNotMapped  = "store_not_mapped"
	EventProductFound    = "product_found"
	EventProductNotFound = "product_not_found"
	EventRendered        = "rendered"
	EventPrintSuccess    = "print_success"
	EventPrintFailed     = "print_failed"
	EventError           = "error"
)

// Trace accumulates the steps of one request. It is safe for concurrent use.
type Trace struct {
	mu     sync.Mutex
	record domain.PrintTrace
	now    func() time.Time
}

// Start opens a trace for action issued from clientIP.
func Start(action, clientIP string) *Trace {
	return startAt(action, clientIP, time.Now)
}

func startAt(action, clientIP string, now func() time.Time) *Trace {
	t := &Trace{
		record: domain.PrintTrace{
			TraceID:   uuid.NewString(),
			Action:    action,
			ClientIP:  clientIP,
			StartedAt: now(),
			Events:    []domain.TraceEvent{},
		},
		now: now,
	}
	t.Add(EventStart, "ip", clientIP)
	return t
}

// ID returns the trace id.
func (t *Trace) ID() string {
	return t.record.TraceID
}

// Add appends an event; kv are alternating keys and values.
func (t *Trace) Add(event string, kv ...any) {
	var fields map[string]any
	if len(kv) > 0 {
		fields = make(map[string]any, len(kv)/2)
		for i := 0; i < len(kv); i += 2 {
			key := fmt.Sprint(kv[i])
			if i+1 < len(kv) {
				fields[key] = kv[i+1]
			} else {
				fields[key] = nil
			}
		}
	}
	t.mu.Lock()
	t.record.Events = append(t.record.Events, domain.TraceEvent{At: t.now(), Event: event, Fields: fields})
	t.mu.Unlock()
}

// SetTarget records where the request was routed.
func (t *Trace) SetTarget(storeID, printerIP string, kind domain.LabelKind, copies int) {
	t.mu.Lock()
	t.record.StoreID = storeID
	t.record.PrinterIP = printerIP
	t.record.Kind = kind
	t.record.Copies = copies
	t.mu.Unlock()
}

// Finish closes the trace with status and returns a copy of the record.
func (t *Trace) Finish(status string) domain.PrintTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.Status = status
	t.record.Duration = t.now().Sub(t.record.StartedAt)
	out := t.record
	out.Events = append([]domain.TraceEvent(nil), t.record.Events...)
	return out
}
