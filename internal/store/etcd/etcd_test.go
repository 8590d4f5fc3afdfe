package etcd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/store"
)

// memKV is an in-memory clientv3.KV supporting Get and revision-guarded Txn.
type memKV struct {
	clientv3.KV

	mu   sync.Mutex
	rev  int64
	data map[string]*mvccpb.KeyValue

	// beforeCommit runs once before the next Txn is evaluated.
	beforeCommit func()
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]*mvccpb.KeyValue)}
}

func (m *memKV) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{Revision: m.rev}
}

func (m *memKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &clientv3.GetResponse{Header: m.header()}
	if kv, ok := m.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{kv}
		resp.Count = 1
	}
	return resp, nil
}

// put writes without a guard, like a competing writer.
func (m *memKV) put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(clientv3.OpPut(key, value))
}

func (m *memKV) Txn(ctx context.Context) clientv3.Txn {
	return &memTxn{kv: m}
}

func (m *memKV) holds(c clientv3.Cmp) bool {
	var actual, want int64
	kv := m.data[string(c.KeyBytes())]
	switch u := c.TargetUnion.(type) {
	case *pb.Compare_CreateRevision:
		want = u.CreateRevision
		if kv != nil {
			actual = kv.CreateRevision
		}
	case *pb.Compare_ModRevision:
		want = u.ModRevision
		if kv != nil {
			actual = kv.ModRevision
		}
	default:
		return false
	}
	switch c.Result {
	case pb.Compare_EQUAL:
		return actual == want
	case pb.Compare_GREATER:
		return actual > want
	default:
		return false
	}
}

func (m *memKV) apply(op clientv3.Op) *pb.ResponseOp {
	key := string(op.KeyBytes())
	switch {
	case op.IsPut():
		m.rev++
		kv := &mvccpb.KeyValue{Key: []byte(key), Value: op.ValueBytes(), ModRevision: m.rev, CreateRevision: m.rev}
		if old, ok := m.data[key]; ok {
			kv.CreateRevision = old.CreateRevision
		}
		m.data[key] = kv
		return &pb.ResponseOp{Response: &pb.ResponseOp_ResponsePut{ResponsePut: &pb.PutResponse{Header: m.header()}}}
	case op.IsDelete():
		var deleted int64
		if _, ok := m.data[key]; ok {
			m.rev++
			delete(m.data, key)
			deleted = 1
		}
		return &pb.ResponseOp{Response: &pb.ResponseOp_ResponseDeleteRange{ResponseDeleteRange: &pb.DeleteRangeResponse{Header: m.header(), Deleted: deleted}}}
	default:
		rr := &pb.RangeResponse{Header: m.header()}
		if kv, ok := m.data[key]; ok {
			rr.Kvs = []*mvccpb.KeyValue{kv}
		}
		return &pb.ResponseOp{Response: &pb.ResponseOp_ResponseRange{ResponseRange: rr}}
	}
}

type memTxn struct {
	kv      *memKV
	cmps    []clientv3.Cmp
	thenOps []clientv3.Op
	elseOps []clientv3.Op
}

func (t *memTxn) If(cs ...clientv3.Cmp) clientv3.Txn { t.cmps = append(t.cmps, cs...); return t }
func (t *memTxn) Then(ops ...clientv3.Op) clientv3.Txn { t.thenOps = append(t.thenOps, ops...); return t }
func (t *memTxn) Else(ops ...clientv3.Op) clientv3.Txn { t.elseOps = append(t.elseOps, ops...); return t }

func (t *memTxn) Commit() (*clientv3.TxnResponse, error) {
	if hook := t.kv.beforeCommit; hook != nil {
		t.kv.beforeCommit = nil
		hook()
	}

	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()

	ok := true
	for _, c := range t.cmps {
		if !t.kv.holds(c) {
			ok = false
			break
		}
	}
	ops := t.thenOps
	if !ok {
		ops = t.elseOps
	}
	resp := &clientv3.TxnResponse{Succeeded: ok}
	for _, op := range ops {
		resp.Responses = append(resp.Responses, t.kv.apply(op))
	}
	resp.Header = t.kv.header()
	return resp, nil
}

func TestKeys(t *testing.T) {
	if got := SignalKey("/maintenance-controller", "prod-a"); got != "/maintenance-controller/prod-a/maintenance" {
		t.Errorf("SignalKey: %s", got)
	}
	if got := HistoryKey("/mc/", "prod-a"); got != "/mc/prod-a/history" {
		t.Errorf("HistoryKey: %s", got)
	}
}

func TestSignalStore_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	s := NewSignalStore(kv, nil, "/mc", "prod-a", nil)
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return since }

	rec, err := s.Get(ctx)
	if err != nil || rec.Enabled() {
		t.Fatalf("expected no signal, got %+v %v", rec, err)
	}

	rec, err = s.Put(ctx, maintenance.NewControllerSignal(maintenance.ReasonMaxInstancesUnableToAcceptOnlineReplicas), rec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != rec.Version || got.Signal.State() != maintenance.StateInMaintenanceAuto || !got.Signal.Since.Equal(since) {
		t.Errorf("unexpected record %+v (want version %s)", got, rec.Version)
	}

	// Creating again must fail: the key already exists.
	if _, err := s.Put(ctx, maintenance.NewUserSignal("", nil), store.Record{}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second create: got %v, want ErrConflict", err)
	}

	manual := maintenance.NewUserSignal("upgrade", nil)
	manual.Since = got.Signal.Since
	updated, err := s.Put(ctx, manual, got)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// The old version is now stale.
	if err := s.Delete(ctx, got); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale delete: got %v, want ErrConflict", err)
	}
	if err := s.Delete(ctx, updated); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, updated); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("delete of absent key: got %v, want ErrNotFound", err)
	}
}

func TestSignalStore_SinceKeepsSubSecondPrecision(t *testing.T) {
	ctx := context.Background()
	s := NewSignalStore(newMemKV(), nil, "/mc", "prod-a", nil)
	since := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	s.now = func() time.Time { return since }

	if _, err := s.Put(ctx, maintenance.NewUserSignal("", nil), store.Record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Signal.Since.Equal(since) {
		t.Errorf("since: got %s, want %s", got.Signal.Since.Format(time.RFC3339Nano), since.Format(time.RFC3339Nano))
	}
}

func TestSignalStore_CorruptValue(t *testing.T) {
	kv := newMemKV()
	kv.put(SignalKey("/mc", "prod-a"), "not json")
	s := NewSignalStore(kv, nil, "/mc", "prod-a", nil)

	if _, err := s.Get(context.Background()); !errors.Is(err, store.ErrCorruptRecord) {
		t.Fatalf("got %v, want ErrCorruptRecord", err)
	}
}

func TestHistoryStore_AppendRetriesOnRace(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	h := NewHistoryStore(kv, "/mc", "prod-a", 2, nil)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := h.Append(ctx, maintenance.NewEnterEntry(maintenance.NewUserSignal("a", nil), at)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Another writer appends between our read and our commit.
	kv.beforeCommit = func() {
		raced := maintenance.NewEnterEntry(maintenance.NewUserSignal("raced", nil), at.Add(time.Minute))
		raw, _ := maintenance.MarshalEntry(raced)
		cur, _ := kv.Get(ctx, HistoryKey("/mc", "prod-a"))
		entries, _ := maintenance.DecodeRawHistory(cur.Kvs[0].Value)
		data, _ := maintenance.EncodeHistory(append(entries, raw), 0)
		kv.put(HistoryKey("/mc", "prod-a"), string(data))
	}

	exit := maintenance.NewExitEntry(nil, maintenance.TriggeredByUser, "done", at.Add(2*time.Minute))
	if err := h.Append(ctx, exit); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := h.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Reason != "raced" || got[1].OperationType != maintenance.OperationExit {
		t.Errorf("unexpected history %+v", got)
	}
}
