package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/softcane/maintenance-controller/internal/config"
	"github.com/softcane/maintenance-controller/internal/controller"
	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/rebalance"
	"github.com/softcane/maintenance-controller/internal/snapshot"
	"github.com/softcane/maintenance-controller/internal/store"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", raw: nil, want: nil},
		{name: "pairs", raw: []string{"ticket=OPS-1", "owner = ops"}, want: map[string]string{"ticket": "OPS-1", "owner": " ops"}},
		{name: "value with equals", raw: []string{"query=a=b"}, want: map[string]string{"query": "a=b"}},
		{name: "missing separator", raw: []string{"ticket"}, wantErr: true},
		{name: "empty key", raw: []string{"=x"}, wantErr: true},
		{name: "reserved auto reason", raw: []string{"AUTO_TRIGGER_REASON=ticket-1"}, wantErr: true},
		{name: "reserved reason", raw: []string{"REASON=x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s: got %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	sig := maintenance.NewUserSignal("rack swap", map[string]string{"ticket": "OPS-12"})
	sig.Since = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	st := controller.NewStatus("prod-a", store.Record{Signal: sig, Version: "7"})

	var table bytes.Buffer
	if err := printStatus(&table, st, "table"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"prod-a", "IN_MAINTENANCE_MANUAL", "2026-05-04T10:00:00Z", "ticket=OPS-12", "TRIGGERED_BY=USER"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table output missing %q:\n%s", want, table.String())
		}
	}

	var out bytes.Buffer
	if err := printStatus(&out, st, "json"); err != nil {
		t.Fatal(err)
	}
	var decoded controller.Status
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !decoded.Enabled || decoded.State != maintenance.StateInMaintenanceManual {
		t.Errorf("decoded status: %+v", decoded)
	}
}

func TestPrintHistory_EmptyJSONIsArray(t *testing.T) {
	var out bytes.Buffer
	if err := printHistory(&out, nil, "json"); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "[]" {
		t.Errorf("got %q, want []", got)
	}
}

func TestPrintPlan(t *testing.T) {
	results := []rebalance.Result{
		{Resource: "orders", Kind: snapshot.KindResource, Admission: rebalance.AdmitPreserveTopState,
			Placement: snapshot.PartitionStates{"orders_0": {"i1": "MASTER"}}},
		{Resource: "fresh", Kind: snapshot.KindTask, Admission: rebalance.AdmitDefer},
		{Resource: "big", Kind: snapshot.KindResource, Admission: rebalance.AdmitFull, Err: rebalance.ErrPartitionCapExceeded},
	}

	var out bytes.Buffer
	if err := printPlan(&out, results, "table"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"preserve_top_state", "defer", "partition cap exceeded"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("plan output missing %q:\n%s", want, out.String())
		}
	}
}

type fixedRecord struct{ rec store.Record }

func (f fixedRecord) Get(context.Context) (store.Record, error) { return f.rec, nil }

func TestRebalanceHook_CountsCapFailures(t *testing.T) {
	sig := maintenance.NewControllerSignal(maintenance.ReasonMaxPartitionPerInstanceExceeded)
	sig.Since = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	gate, afterPass := newRebalanceHook(fixedRecord{rec: store.Record{Signal: sig, Version: "1"}}, "hook", slog.Default())

	snap := &snapshot.Snapshot{
		Config: config.ClusterConfig{
			MaxOfflineInstancesAllowed:     2,
			NumOfflineInstancesForAutoExit: 1,
			MaxPartitionsPerInstance:       1,
		},
		Instances: []snapshot.Instance{{Name: "i0", Live: true, Enabled: true}},
		Resources: []snapshot.Resource{{
			Name:     "jobs",
			Kind:     snapshot.KindTask,
			TopState: "MASTER",
			CurrentState: snapshot.PartitionStates{
				"jobs_0": {"i0": "MASTER"},
				"jobs_1": {"i0": "MASTER"},
			},
		}},
	}

	afterPass(context.Background(), snap)
	afterPass(context.Background(), snap)

	if got := gate.TaskRebalanceFailureCount(); got != 2 {
		t.Errorf("task failures: got %d, want 2", got)
	}
	if got := gate.ResourceRebalanceFailureCount(); got != 0 {
		t.Errorf("resource failures: got %d, want 0", got)
	}
}

type fakeAPI struct {
	status  controller.Status
	history []maintenance.HistoryEntry
	err     error
}

func (f *fakeAPI) Status(context.Context) (controller.Status, error) { return f.status, f.err }

func (f *fakeAPI) History(context.Context) ([]maintenance.HistoryEntry, error) {
	return f.history, f.err
}

func TestMux(t *testing.T) {
	api := &fakeAPI{
		status: controller.Status{Cluster: "prod-a", State: maintenance.StateNotInMaintenance},
	}
	srv := httptest.NewServer(newMux(api))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/maintenance")
	if err != nil {
		t.Fatal(err)
	}
	var st controller.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if st.Cluster != "prod-a" || st.Enabled {
		t.Errorf("status: %+v", st)
	}

	resp, err = http.Get(srv.URL + "/maintenance/history")
	if err != nil {
		t.Fatal(err)
	}
	var entries []maintenance.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if entries == nil || len(entries) != 0 {
		t.Errorf("history: got %v, want empty array", entries)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status: %d", resp.StatusCode)
	}

	api.err = errors.New("store unavailable")
	resp, err = http.Get(srv.URL + "/maintenance")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("error status: got %d, want 503", resp.StatusCode)
	}
}
