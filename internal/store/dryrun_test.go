package store

import (
	"context"
	"testing"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

func TestDryRunSignalStore_NeverWrites(t *testing.T) {
	ctx := context.Background()
	inner, _ := newSignalStore()
	d := NewDryRunSignalStore(inner, nil)

	rec, err := d.Put(ctx, maintenance.NewUserSignal("upgrade", nil), Record{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !rec.Enabled() {
		t.Errorf("dry-run Put should report the simulated record")
	}
	if got, _ := inner.Get(ctx); got.Enabled() {
		t.Errorf("dry-run Put reached the store")
	}

	if _, err := inner.Put(ctx, maintenance.NewUserSignal("real", nil), Record{}); err != nil {
		t.Fatalf("inner Put: %v", err)
	}
	existing, _ := d.Get(ctx)
	if err := d.Delete(ctx, existing); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := inner.Get(ctx); !got.Enabled() {
		t.Errorf("dry-run Delete reached the store")
	}
}

func TestDryRunHistoryStore_NeverAppends(t *testing.T) {
	ctx := context.Background()
	inner := NewConfigMapHistoryStore(fake.NewSimpleClientset(), testNamespace, testCluster, 10, nil)
	d := NewDryRunHistoryStore(inner, nil)

	if err := d.Append(ctx, enterAt("x", 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got, _ := d.List(ctx); len(got) != 0 {
		t.Errorf("dry-run Append reached the store: %+v", got)
	}
}
