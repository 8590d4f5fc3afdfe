package controller

import (
	"time"

	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/store"
)

// Status is the observer view of a cluster's maintenance record.
type Status struct {
	Cluster string            `json:"cluster"`
	Enabled bool              `json:"enabled"`
	State   maintenance.State `json:"state"`
	// Fields is the stored record, reserved keys included.
	Fields  map[string]string `json:"fields,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Version string            `json:"version,omitempty"`
}

// NewStatus describes rec.
func NewStatus(cluster string, rec store.Record) Status {
	st := Status{
		Cluster: cluster,
		Enabled: rec.Enabled(),
		State:   rec.Signal.State(),
		Version: rec.Version,
	}
	if rec.Signal != nil {
		st.Fields = rec.Signal.Fields()
		if !rec.Signal.Since.IsZero() {
			since := rec.Signal.Since
			st.Since = &since
		}
	}
	return st
}
