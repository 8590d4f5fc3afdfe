package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

const (
	testNamespace = "storage"
	testCluster   = "prod-a"
)

func newSignalStore(objs ...runtime.Object) (*ConfigMapSignalStore, *fake.Clientset) {
	client := fake.NewSimpleClientset(objs...)
	return NewConfigMapSignalStore(client, testNamespace, testCluster, slog.Default()), client
}

func TestSignalStore_AbsentIsNotInMaintenance(t *testing.T) {
	s, _ := newSignalStore()

	rec, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Enabled() || rec.Signal.State() != maintenance.StateNotInMaintenance {
		t.Errorf("expected no maintenance, got %+v", rec)
	}

	if err := s.Delete(context.Background(), rec); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete on absent record: got %v, want ErrNotFound", err)
	}
}

func TestSignalStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, client := newSignalStore()
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return since }

	sig := maintenance.NewUserSignal("disk swap", map[string]string{
		"LDAP":                     "ops1",
		maintenance.KeyTriggeredBy: "CONTROLLER",
	})
	written, err := s.Put(ctx, sig, Record{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !written.Signal.Since.Equal(since) {
		t.Errorf("since: got %s", written.Signal.Since)
	}

	cm, err := client.CoreV1().ConfigMaps(testNamespace).Get(ctx, SignalName(testCluster), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("signal ConfigMap missing: %v", err)
	}
	if cm.Data[maintenance.KeyTriggeredBy] != string(maintenance.TriggeredByUser) {
		t.Errorf("reserved key must hold the true entity, got %q", cm.Data[maintenance.KeyTriggeredBy])
	}
	if cm.Data["LDAP"] != "ops1" || cm.Data[maintenance.KeyReason] != "disk swap" {
		t.Errorf("unexpected data: %v", cm.Data)
	}

	rec, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Signal.State() != maintenance.StateInMaintenanceManual || !rec.Signal.Since.Equal(since) {
		t.Errorf("unexpected record %+v", rec.Signal)
	}

	if _, err := s.Put(ctx, maintenance.NewUserSignal("again", nil), Record{}); !errors.Is(err, ErrConflict) {
		t.Errorf("create over existing record: got %v, want ErrConflict", err)
	}

	if err := s.Delete(ctx, rec); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rec, _ := s.Get(ctx); rec.Enabled() {
		t.Errorf("record still present after delete")
	}
}

func TestSignalStore_SinceKeepsSubSecondPrecision(t *testing.T) {
	ctx := context.Background()
	s, _ := newSignalStore()
	since := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	s.now = func() time.Time { return since }

	if _, err := s.Put(ctx, maintenance.NewUserSignal("", nil), Record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Signal.Since.Equal(since) {
		t.Errorf("since: got %s, want %s", rec.Signal.Since.Format(time.RFC3339Nano), since.Format(time.RFC3339Nano))
	}
}

func TestSignalStore_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	s, client := newSignalStore()

	rec, err := s.Put(ctx, maintenance.NewControllerSignal(maintenance.ReasonMaxInstancesUnableToAcceptOnlineReplicas), Record{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	client.PrependReactor("update", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewConflict(configMapsResource, SignalName(testCluster), errors.New("stale"))
	})
	client.PrependReactor("delete", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewConflict(configMapsResource, SignalName(testCluster), errors.New("stale"))
	})

	if _, err := s.Put(ctx, maintenance.NewUserSignal("", nil), rec); !errors.Is(err, ErrConflict) {
		t.Errorf("Put: got %v, want ErrConflict", err)
	}
	if err := s.Delete(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Errorf("Delete: got %v, want ErrConflict", err)
	}
}

func TestSignalStore_DeleteUsesPrecondition(t *testing.T) {
	ctx := context.Background()
	s, client := newSignalStore()

	var got *metav1.Preconditions
	client.PrependReactor("delete", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		got = action.(k8stesting.DeleteAction).GetDeleteOptions().Preconditions
		return false, nil, nil
	})

	if _, err := s.Put(ctx, maintenance.NewUserSignal("", nil), Record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, Record{Signal: maintenance.NewUserSignal("", nil), Version: "42"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got == nil || got.ResourceVersion == nil || *got.ResourceVersion != "42" {
		t.Errorf("expected resourceVersion precondition 42, got %+v", got)
	}
}

func TestSignalStore_CorruptRecord(t *testing.T) {
	s, _ := newSignalStore(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: SignalName(testCluster), Namespace: testNamespace},
		Data:       map[string]string{maintenance.KeyTriggeredBy: "ROBOT"},
	})

	if _, err := s.Get(context.Background()); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("got %v, want ErrCorruptRecord", err)
	}
}

func TestSignalStore_Watch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := newSignalStore()

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// The fake tracker only delivers events created after the watch is registered.
	if _, err := s.Put(ctx, maintenance.NewUserSignal("upgrade", nil), Record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case rec := <-ch:
		if !rec.Enabled() || rec.Signal.Reason != "upgrade" {
			t.Errorf("unexpected record %+v", rec)
		}
	case <-ctx.Done():
		t.Fatal("no watch event received")
	}
}

func TestWaitFor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := newSignalStore()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = s.Put(context.Background(), maintenance.NewUserSignal("", nil), Record{})
	}()

	rec, err := WaitFor(ctx, s, true, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if !rec.Enabled() {
		t.Errorf("expected enabled record")
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if _, err := WaitFor(short, s, false, 10*time.Millisecond); err == nil {
		t.Errorf("expected timeout while record stays enabled")
	}
}
