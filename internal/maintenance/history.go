package maintenance

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType is the direction of a recorded transition.
type OperationType string

const (
	OperationEnter OperationType = "ENTER"
	OperationExit  OperationType = "EXIT"
)

// dateLayout is the human readable DATE field format (UTC).
const dateLayout = "2006-01-02-15:04:05"

// HistoryEntry is one immutable audit record. All values serialize as strings
// so the record stays a flat string map for consumers.
type HistoryEntry struct {
	OperationType     OperationType     `json:"OPERATION_TYPE"`
	TriggeredBy       TriggeringEntity  `json:"TRIGGERED_BY"`
	Reason            string            `json:"REASON,omitempty"`
	AutoTriggerReason AutoTriggerReason `json:"AUTO_TRIGGER_REASON,omitempty"`
	Date              string            `json:"DATE"`
	Timestamp         int64             `json:"TIMESTAMP,string"`
}

// NewEnterEntry records entering (or re-entering) the state described by sig.
func NewEnterEntry(sig *Signal, at time.Time) HistoryEntry {
	return HistoryEntry{
		OperationType:     OperationEnter,
		TriggeredBy:       sig.TriggeredBy,
		Reason:            sig.Reason,
		AutoTriggerReason: sig.AutoTriggerReason,
		Date:              at.UTC().Format(dateLayout),
		Timestamp:         at.UnixMilli(),
	}
}

// NewExitEntry records leaving maintenance. A controller exit carries the auto
// reason of the state it leaves; a user exit carries the operator's reason.
func NewExitEntry(prev *Signal, by TriggeringEntity, reason string, at time.Time) HistoryEntry {
	e := HistoryEntry{
		OperationType: OperationExit,
		TriggeredBy:   by,
		Reason:        reason,
		Date:          at.UTC().Format(dateLayout),
		Timestamp:     at.UnixMilli(),
	}
	if by == TriggeredByController && prev != nil {
		e.AutoTriggerReason = prev.AutoTriggerReason
	}
	return e
}

// Time returns the entry timestamp.
func (e HistoryEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate checks the entry is well formed.
func (e HistoryEntry) Validate() error {
	switch e.OperationType {
	case OperationEnter, OperationExit:
	default:
		return fmt.Errorf("%w: operation type %q", ErrInvalidEntry, e.OperationType)
	}
	if _, err := ParseTriggeringEntity(string(e.TriggeredBy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.AutoTriggerReason != ReasonNone && e.TriggeredBy != TriggeredByController {
		return fmt.Errorf("%w: auto trigger reason on %s entry", ErrInvalidEntry, e.TriggeredBy)
	}
	return nil
}

// MarshalEntry serializes a single entry.
func MarshalEntry(e HistoryEntry) (json.RawMessage, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return b, nil
}

// EncodeHistory serializes raw entries, oldest first, keeping at most capacity
// of the newest. capacity <= 0 keeps everything.
func EncodeHistory(entries []json.RawMessage, capacity int) ([]byte, error) {
	if capacity > 0 && len(entries) > capacity {
		entries = entries[len(entries)-capacity:]
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	return json.Marshal(entries)
}

// DecodeRawHistory splits a stored history into raw entries without
// interpreting them, so unknown or damaged entries survive a rewrite.
func DecodeRawHistory(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return raw, nil
}

// DecodeHistory parses a stored history. Entries that cannot be decoded are
// skipped and counted.
func DecodeHistory(data []byte) ([]HistoryEntry, int, error) {
	raw, err := DecodeRawHistory(data)
	if err != nil {
		return nil, 0, err
	}
	entries := make([]HistoryEntry, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal(r, &e); err != nil || e.Validate() != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}
