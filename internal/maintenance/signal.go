// Package maintenance defines the cluster maintenance signal, the operator
// commands that change it and the audit history of its transitions.
//
// The signal is modelled on record existence: a cluster is in maintenance
// exactly when a Signal record exists for it. There is no separate boolean.
package maintenance

import (
	"fmt"
	"maps"
	"time"
)

// Serialized field names. Downstream tooling matches on these literals,
// so they must never change.
const (
	KeyTriggeredBy       = "TRIGGERED_BY"
	KeyAutoTriggerReason = "AUTO_TRIGGER_REASON"
	KeyReason            = "REASON"
	KeyOperationType     = "OPERATION_TYPE"
	KeyDate              = "DATE"
	KeyTimestamp         = "TIMESTAMP"
)

// TriggeringEntity tells whether a transition came from the control loop or an operator.
type TriggeringEntity string

const (
	TriggeredByController TriggeringEntity = "CONTROLLER"
	TriggeredByUser       TriggeringEntity = "USER"
)

// ParseTriggeringEntity converts a serialized entity into its tag.
func ParseTriggeringEntity(s string) (TriggeringEntity, error) {
	switch TriggeringEntity(s) {
	case TriggeredByController, TriggeredByUser:
		return TriggeringEntity(s), nil
	}
	return "", fmt.Errorf("%w: unknown triggering entity %q", ErrInvalidSignal, s)
}

// AutoTriggerReason is the closed set of machine-generated justifications.
// The zero value means "no auto reason".
type AutoTriggerReason string

const (
	ReasonNone                                     AutoTriggerReason = ""
	ReasonMaxInstancesUnableToAcceptOnlineReplicas AutoTriggerReason = "MAX_INSTANCES_UNABLE_TO_ACCEPT_ONLINE_REPLICAS"
	ReasonMaxPartitionPerInstanceExceeded          AutoTriggerReason = "MAX_PARTITION_PER_INSTANCE_EXCEEDED"
)

// AutoTriggerReasons lists every reason in evaluation priority order.
// The evaluator must provide exactly one check per entry.
var AutoTriggerReasons = []AutoTriggerReason{
	ReasonMaxInstancesUnableToAcceptOnlineReplicas,
	ReasonMaxPartitionPerInstanceExceeded,
}

// ParseAutoTriggerReason converts a serialized reason into its tag.
// The empty string parses to ReasonNone.
func ParseAutoTriggerReason(s string) (AutoTriggerReason, error) {
	if s == "" {
		return ReasonNone, nil
	}
	for _, r := range AutoTriggerReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return ReasonNone, fmt.Errorf("%w: %q", ErrUnknownReason, s)
}

// State is the controller-facing view of a signal.
type State string

const (
	StateNotInMaintenance    State = "NOT_IN_MAINTENANCE"
	StateInMaintenanceAuto   State = "IN_MAINTENANCE_AUTO"
	StateInMaintenanceManual State = "IN_MAINTENANCE_MANUAL"
)

// Signal is the durable maintenance record of a cluster.
type Signal struct {
	TriggeredBy       TriggeringEntity
	AutoTriggerReason AutoTriggerReason
	Reason            string
	CustomFields      map[string]string

	// Since is the start of the continuous maintenance period. It is record
	// metadata and does not take part in content comparison.
	Since time.Time
}

// NewUserSignal builds an operator-triggered signal. Custom fields named
// after a reserved key are dropped.
func NewUserSignal(reason string, customFields map[string]string) *Signal {
	custom := maps.Clone(customFields)
	for k := range custom {
		if IsReservedKey(k) {
			delete(custom, k)
		}
	}
	if len(custom) == 0 {
		custom = nil
	}
	return &Signal{
		TriggeredBy:  TriggeredByUser,
		Reason:       reason,
		CustomFields: custom,
	}
}

// IsReservedKey reports whether k is written by the signal itself and so
// cannot be used as a custom field.
func IsReservedKey(k string) bool {
	switch k {
	case KeyTriggeredBy, KeyAutoTriggerReason, KeyReason:
		return true
	}
	return false
}

// NewControllerSignal builds a signal raised by the control loop itself.
func NewControllerSignal(reason AutoTriggerReason) *Signal {
	return &Signal{
		TriggeredBy:       TriggeredByController,
		AutoTriggerReason: reason,
	}
}

// Validate enforces the entity/reason invariant.
func (s *Signal) Validate() error {
	if s == nil {
		return nil
	}
	if _, err := ParseTriggeringEntity(string(s.TriggeredBy)); err != nil {
		return err
	}
	if s.AutoTriggerReason != ReasonNone && s.TriggeredBy != TriggeredByController {
		return fmt.Errorf("%w: auto trigger reason %s requires %s", ErrInvalidSignal, s.AutoTriggerReason, TriggeredByController)
	}
	return nil
}

// State maps the signal to a controller state. A nil signal is not in maintenance.
func (s *Signal) State() State {
	switch {
	case s == nil:
		return StateNotInMaintenance
	case s.TriggeredBy == TriggeredByUser:
		return StateInMaintenanceManual
	default:
		return StateInMaintenanceAuto
	}
}

// Enabled reports whether the signal puts the cluster in maintenance.
func (s *Signal) Enabled() bool {
	return s != nil
}

// Clone returns a deep copy.
func (s *Signal) Clone() *Signal {
	if s == nil {
		return nil
	}
	c := *s
	c.CustomFields = maps.Clone(s.CustomFields)
	return &c
}

// Transition identifies a signal for history purposes: an entry is recorded
// only when this tuple changes.
type Transition struct {
	Enabled           bool
	TriggeredBy       TriggeringEntity
	AutoTriggerReason AutoTriggerReason
	Reason            string
}

// Transition returns the history-relevant tuple of the signal.
func (s *Signal) Transition() Transition {
	if s == nil {
		return Transition{}
	}
	return Transition{
		Enabled:           true,
		TriggeredBy:       s.TriggeredBy,
		AutoTriggerReason: s.AutoTriggerReason,
		Reason:            s.Reason,
	}
}

// SameContent reports whether two signals serialize to the same record.
func (s *Signal) SameContent(o *Signal) bool {
	if s == nil || o == nil {
		return s == nil && o == nil
	}
	return maps.Equal(s.Fields(), o.Fields())
}

// Fields serializes the signal into a flat string map. Custom fields never
// contribute a reserved key; TRIGGERED_BY is always the true triggering entity.
func (s *Signal) Fields() map[string]string {
	out := make(map[string]string, len(s.CustomFields)+3)
	for k, v := range s.CustomFields {
		if IsReservedKey(k) {
			continue
		}
		out[k] = v
	}
	if s.Reason != "" {
		out[KeyReason] = s.Reason
	}
	if s.AutoTriggerReason != ReasonNone {
		out[KeyAutoTriggerReason] = string(s.AutoTriggerReason)
	}
	out[KeyTriggeredBy] = string(s.TriggeredBy)
	return out
}

// SignalFromFields decodes a flat map written by Fields. An operator record
// never carries an auto reason, so AUTO_TRIGGER_REASON on a USER record is
// ignored rather than rejected.
func SignalFromFields(fields map[string]string) (*Signal, error) {
	entity, err := ParseTriggeringEntity(fields[KeyTriggeredBy])
	if err != nil {
		return nil, err
	}
	reason := ReasonNone
	if entity == TriggeredByController {
		reason, err = ParseAutoTriggerReason(fields[KeyAutoTriggerReason])
		if err != nil {
			return nil, err
		}
	}

	s := &Signal{
		TriggeredBy:       entity,
		AutoTriggerReason: reason,
		Reason:            fields[KeyReason],
	}
	for k, v := range fields {
		if IsReservedKey(k) {
			continue
		}
		if s.CustomFields == nil {
			s.CustomFields = make(map[string]string)
		}
		s.CustomFields[k] = v
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
