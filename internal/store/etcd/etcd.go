// Package etcd keeps the maintenance signal and history in etcd keys. Writes
// are transactions guarded by the revision the caller last read.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/store"
)

const maxTxnRetryAttempts = 5

// SignalKey is the key holding the maintenance signal of cluster.
func SignalKey(prefix, cluster string) string {
	return path.Join(prefix, cluster, "maintenance")
}

// HistoryKey is the key holding the maintenance history of cluster.
func HistoryKey(prefix, cluster string) string {
	return path.Join(prefix, cluster, "history")
}

// Dial connects to the etcd cluster at endpoints.
func Dial(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return clnt, nil
}

type signalDto struct {
	Fields map[string]string `json:"fields"`
	Since  time.Time         `json:"since"`
}

// SignalStore implements store.SignalStore on a single etcd key. The key's
// ModRevision is the record version.
type SignalStore struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	logger  *slog.Logger
	key     string
	now     func() time.Time
}

// NewSignalStore creates the signal store of cluster under prefix.
func NewSignalStore(kv clientv3.KV, watcher clientv3.Watcher, prefix, cluster string, logger *slog.Logger) *SignalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalStore{
		kv:      kv,
		watcher: watcher,
		logger:  logger.With("key", SignalKey(prefix, cluster)),
		key:     SignalKey(prefix, cluster),
		now:     time.Now,
	}
}

// Get implements store.SignalStore.
func (s *SignalStore) Get(ctx context.Context) (store.Record, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to get maintenance signal: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return store.Record{}, nil
	}
	return decodeSignal(resp.Kvs[0])
}

func decodeSignal(kv *mvccpb.KeyValue) (store.Record, error) {
	var dto signalDto
	if err := json.Unmarshal(kv.Value, &dto); err != nil {
		return store.Record{}, fmt.Errorf("%w: %s: %v", store.ErrCorruptRecord, kv.Key, err)
	}
	sig, err := maintenance.SignalFromFields(dto.Fields)
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: %s: %v", store.ErrCorruptRecord, kv.Key, err)
	}
	sig.Since = dto.Since
	return store.Record{Signal: sig, Version: strconv.FormatInt(kv.ModRevision, 10)}, nil
}

// guard returns the comparison that holds while the key still matches expected.
func guard(key string, expected store.Record) (clientv3.Cmp, error) {
	if !expected.Enabled() {
		return clientv3.Compare(clientv3.CreateRevision(key), "=", 0), nil
	}
	rev, err := strconv.ParseInt(expected.Version, 10, 64)
	if err != nil {
		return clientv3.Cmp{}, fmt.Errorf("%w: bad version %q", store.ErrConflict, expected.Version)
	}
	return clientv3.Compare(clientv3.ModRevision(key), "=", rev), nil
}

// Put implements store.SignalStore.
func (s *SignalStore) Put(ctx context.Context, sig *maintenance.Signal, expected store.Record) (store.Record, error) {
	if sig == nil {
		return store.Record{}, fmt.Errorf("%w: nil signal", maintenance.ErrInvalidSignal)
	}
	if err := sig.Validate(); err != nil {
		return store.Record{}, err
	}
	cmp, err := guard(s.key, expected)
	if err != nil {
		return store.Record{}, err
	}

	written := sig.Clone()
	if written.Since.IsZero() {
		written.Since = s.now().UTC()
	}
	value, err := json.Marshal(signalDto{Fields: written.Fields(), Since: written.Since})
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode maintenance signal: %w", err)
	}

	resp, err := s.kv.Txn(ctx).If(cmp).Then(clientv3.OpPut(s.key, string(value))).Commit()
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to write maintenance signal: %w", err)
	}
	if !resp.Succeeded {
		return store.Record{}, fmt.Errorf("%w: %s", store.ErrConflict, s.key)
	}
	return store.Record{Signal: written, Version: strconv.FormatInt(resp.Header.Revision, 10)}, nil
}

// Delete implements store.SignalStore.
func (s *SignalStore) Delete(ctx context.Context, expected store.Record) error {
	txn := s.kv.Txn(ctx)
	if expected.Version != "" {
		cmp, err := guard(s.key, expected)
		if err != nil {
			return err
		}
		txn = txn.If(cmp)
	}
	resp, err := txn.Then(clientv3.OpDelete(s.key)).Else(clientv3.OpGet(s.key)).Commit()
	if err != nil {
		return fmt.Errorf("failed to delete maintenance signal: %w", err)
	}

	if resp.Succeeded {
		if len(resp.Responses) > 0 && resp.Responses[0].GetResponseDeleteRange().GetDeleted() == 0 {
			return store.ErrNotFound
		}
		return nil
	}
	if len(resp.Responses) > 0 && len(resp.Responses[0].GetResponseRange().GetKvs()) == 0 {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %s", store.ErrConflict, s.key)
}

// Watch implements store.SignalWatcher.
func (s *SignalStore) Watch(ctx context.Context) (<-chan store.Record, error) {
	if s.watcher == nil {
		return nil, fmt.Errorf("etcd watcher not configured")
	}
	wch := s.watcher.Watch(clientv3.WithRequireLeader(ctx), s.key)

	out := make(chan store.Record)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-wch:
				if !ok {
					s.logger.Info("watcher channel closed")
					return
				}
				if err := resp.Err(); err != nil {
					s.logger.Error("watcher failure", "error", err)
					return
				}
				for _, ev := range resp.Events {
					rec := store.Record{}
					if ev.Type != mvccpb.DELETE {
						var err error
						if rec, err = decodeSignal(ev.Kv); err != nil {
							s.logger.Warn("ignoring unreadable signal event", "error", err)
							continue
						}
					}
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// HistoryStore implements store.HistoryStore on a single etcd key holding the
// JSON history array.
type HistoryStore struct {
	kv       clientv3.KV
	logger   *slog.Logger
	key      string
	capacity int
}

// NewHistoryStore creates the history store of cluster under prefix.
func NewHistoryStore(kv clientv3.KV, prefix, cluster string, capacity int, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{
		kv:       kv,
		logger:   logger.With("key", HistoryKey(prefix, cluster)),
		key:      HistoryKey(prefix, cluster),
		capacity: capacity,
	}
}

// Append implements store.HistoryStore.
func (h *HistoryStore) Append(ctx context.Context, entry maintenance.HistoryEntry) error {
	raw, err := maintenance.MarshalEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	for i := 0; i < maxTxnRetryAttempts; i++ {
		resp, err := h.kv.Get(ctx, h.key)
		if err != nil {
			return fmt.Errorf("failed to get maintenance history: %w", err)
		}

		var (
			current []byte
			rev     int64
		)
		if len(resp.Kvs) > 0 {
			current, rev = resp.Kvs[0].Value, resp.Kvs[0].ModRevision
		}
		entries, err := maintenance.DecodeRawHistory(current)
		if err != nil {
			h.logger.Warn("discarding unreadable maintenance history", "error", err)
			entries = nil
		}
		data, err := maintenance.EncodeHistory(append(entries, raw), h.capacity)
		if err != nil {
			return err
		}

		// A missing key compares with ModRevision 0.
		txResp, err := h.kv.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(h.key), "=", rev),
		).Then(
			clientv3.OpPut(h.key, string(data)),
		).Commit()
		if err != nil {
			return fmt.Errorf("failed to append maintenance history: %w", err)
		}
		if txResp.Succeeded {
			return nil
		}
		h.logger.Debug("history append raced another writer, retrying")
	}
	return fmt.Errorf("failed to append maintenance history: %w: max attempts count exceeded", store.ErrConflict)
}

// List implements store.HistoryStore.
func (h *HistoryStore) List(ctx context.Context) ([]maintenance.HistoryEntry, error) {
	resp, err := h.kv.Get(ctx, h.key)
	if err != nil {
		return nil, fmt.Errorf("failed to get maintenance history: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	entries, skipped, err := maintenance.DecodeHistory(resp.Kvs[0].Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorruptRecord, err)
	}
	if skipped > 0 {
		h.logger.Warn("skipped unreadable history entries", "skipped", skipped)
	}
	return entries, nil
}

var (
	_ store.SignalStore   = (*SignalStore)(nil)
	_ store.SignalWatcher = (*SignalStore)(nil)
	_ store.HistoryStore  = (*HistoryStore)(nil)
)
