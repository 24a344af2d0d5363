package types

import "time"

// IngestionStatus tracks what the pipeline did with an ingested event.
type IngestionStatus string

const (
	IngestionPending   IngestionStatus = "pending"
	IngestionProcessed IngestionStatus = "processed"
	IngestionError     IngestionStatus = "error"
	IngestionIgnored   IngestionStatus = "ignored"
)

// Device event codes the projector cares about. Everything else is stored
// for audit and marked ignored.
const (
	EventCodeDenied     = 6
	EventCodeAuthorized = 7
)

// Direction is derived from the portal the event was read on.
type Direction string

const (
	DirectionEntry   Direction = "entry"
	DirectionExit    Direction = "exit"
	DirectionUnknown Direction = "unknown"
)

// AccessEvent is one row of the device access log mirrored locally.
// SequenceID <= 0 marks a synthetic, hand-entered event.
type AccessEvent struct {
	ID               int64     `json:"id"` // local row id
	SequenceID       int64     `json:"sequence_id"`
	EmployeeDeviceID int64     `json:"employee_device_id"`
	EventCode        int       `json:"event_code"`
	PortalID         int64     `json:"portal_id"`
	DeviceTimestamp  time.Time `json:"device_timestamp"`
	IngestedAt       time.Time `json:"ingested_at"`

	IngestionStatus        IngestionStatus `json:"ingestion_status"`
	SessionProcessed       bool            `json:"session_processed"`
	SessionProcessingError string          `json:"session_processing_error,omitempty"`
}

// Synthetic reports whether the event was injected by hand.
func (e AccessEvent) Synthetic() bool { return e.SequenceID <= 0 }

// Relevant reports whether the projector should look at the event code.
func (e AccessEvent) Relevant() bool {
	return e.EventCode == EventCodeAuthorized || e.EventCode == EventCodeDenied
}
