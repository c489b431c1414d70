package domain

import "time"

// PrinterMapping ties a store's terminal address range to one of its label printers.
type PrinterMapping struct {
	StoreID              string      `json:"store_id"`
	AddressPattern       string      `json:"pattern"`
	DisplayName          string      `json:"name"`
	PrinterIP            string      `json:"ip"`
	LabelKinds           []LabelKind `json:"label_kinds"`
	LeftMarginFlower     int         `json:"ls_flower"`
	LeftMarginPerishable int         `json:"ls_perishable"`
}

// Supports reports whether the printer is loaded with stock for kind.
func (m PrinterMapping) Supports(kind LabelKind) bool {
	for _, k := range m.LabelKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// LeftMargin returns the calibration value for kind.
func (m PrinterMapping) LeftMargin(kind LabelKind) int {
	if kind == LabelFlower {
		return m.LeftMarginFlower
	}
	return m.LeftMarginPerishable
}

// Name falls back to the printer address when no display name was given.
func (m PrinterMapping) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.PrinterIP
}

// Settings are the key=value defaults persisted in config.txt.
type Settings struct {
	PrinterIP            string `json:"printer_ip"`
	LeftMarginFlower     int    `json:"ls_flower"`
	LeftMarginPerishable int    `json:"ls_perishable"`
}

// LogEntry is one row of the append-only event log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	SourceIP  string    `json:"ip"`
	Printer   string    `json:"printer"`
	Details   string    `json:"details"`
}

// Event kinds written to the log.
const (
	EventPrint         = "print"
	EventPrintFailed   = "print_failed"
	EventLoad          = "load"
	EventMappingAdd    = "mapping_add"
	EventMappingUpdate = "mapping_update"
	EventMappingDelete = "mapping_delete"
	EventMarginUpdate  = "ls_update"
	EventStartup       = "startup"
	EventShutdown      = "shutdown"
)

// TraceEvent is a single step recorded while serving a print request.
type TraceEvent struct {
	At     time.Time      `json:"t"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// PrintTrace is the audit record of one print request.
type PrintTrace struct {
	TraceID   string        `json:"trace_id"`
	Action    string        `json:"action"`
	Status    string        `json:"status"`
	StoreID   string        `json:"store_id,omitempty"`
	ClientIP  string        `json:"client_ip,omitempty"`
	PrinterIP string        `json:"printer_ip,omitempty"`
	Kind      LabelKind     `json:"kind,omitempty"`
	Copies    int           `json:"copies,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Events    []TraceEvent  `json:"events"`
}

// Trace statuses.
const (
	TraceOK     = "ok"
	TraceFailed = "failed"
	TraceError  = "error"
)
