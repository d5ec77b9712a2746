package consul

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adammck/dicer/pkg/api"
	"github.com/adammck/dicer/pkg/logging"
	"github.com/adammck/dicer/pkg/persister"
	"github.com/adammck/dicer/pkg/registry"
	capi "github.com/hashicorp/consul/api"
	"github.com/lthibault/jitterbug"
)

// KV is the subset of the Consul KV API which the persister uses. It's
// satisfied by *capi.KV.
type KV interface {
	List(prefix string, q *capi.QueryOptions) (capi.KVPairs, *capi.QueryMeta, error)
	Txn(txn capi.KVTxnOps, q *capi.QueryOptions) (bool, *capi.KVTxnResponse, *capi.QueryMeta, error)
}

const (
	DefaultRetryInterval = 250 * time.Millisecond
	DefaultMaxAttempts   = 5
)

// meta is stored under <root>/meta.
type meta struct {
	Name       string `json:"name"`
	Prefix     string `json:"prefix"`
	PrefixName string `json:"prefix_name"`
	Width      int    `json:"width"`
}

// rangeRecord is stored under <root>/ranges/<id>.
type rangeRecord struct {
	ID      api.RangeID `json:"id"`
	Owner   string      `json:"owner"`
	Comment string      `json:"comment,omitempty"`
	Start   int         `json:"start"`
	End     int         `json:"end"`
}

// Persister keeps a policy in Consul KV, one key per range plus one for the
// policy metadata. The metadata key is written by every Store, with a
// check-and-set against the index seen by the last Load or Store, so two
// writers working from the same snapshot can't both succeed.
type Persister struct {
	kv   KV
	root string
	log  *slog.Logger

	retryInterval time.Duration
	maxAttempts   int

	// keep track of the last ModifyIndex and value of each key, so that only
	// changed ranges are written back.
	modifyIndex map[string]uint64
	values      map[string][]byte

	// guards modifyIndex and values
	sync.Mutex
}

type Option func(*Persister)

func WithLogger(l *slog.Logger) Option {
	return func(cp *Persister) {
		cp.log = l
	}
}

// WithRetry sets how Update paces and bounds its retries.
func WithRetry(interval time.Duration, maxAttempts int) Option {
	return func(cp *Persister) {
		cp.retryInterval = interval
		cp.maxAttempts = maxAttempts
	}
}

func New(client *capi.Client, root string, opts ...Option) *Persister {
	return NewWithKV(client.KV(), root, opts...)
}

// NewWithKV is like New, but takes the KV API directly.
func NewWithKV(kv KV, root string, opts ...Option) *Persister {
	cp := &Persister{
		kv:            kv,
		root:          strings.Trim(root, "/"),
		log:           logging.Nop(),
		retryInterval: DefaultRetryInterval,
		maxAttempts:   DefaultMaxAttempts,
		modifyIndex:   map[string]uint64{},
		values:        map[string][]byte{},
	}

	for _, o := range opts {
		o(cp)
	}

	return cp
}

func (cp *Persister) metaKey() string {
	return cp.root + "/meta"
}

func (cp *Persister) rangesPrefix() string {
	return cp.root + "/ranges/"
}

func (cp *Persister) rangeKey(id api.RangeID) string {
	return fmt.Sprintf("%s%d", cp.rangesPrefix(), id)
}

// Load reads the whole policy. Keys under the root which can't be decoded are
// logged and skipped.
func (cp *Persister) Load() (*registry.Registry, error) {
	pairs, _, err := cp.kv.List(cp.root+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("error listing consul keys: %w", err)
	}

	cp.Lock()
	defer cp.Unlock()

	var m *meta
	records := []rangeRecord{}
	indexes := map[string]uint64{}
	values := map[string][]byte{}

	for _, kv := range pairs {
		if kv.Key == cp.metaKey() {
			m = &meta{}
			err = json.Unmarshal(kv.Value, m)
			if err != nil {
				return nil, fmt.Errorf("invalid policy metadata at %s: %w", kv.Key, err)
			}

			indexes[kv.Key] = kv.ModifyIndex
			continue
		}

		s := strings.TrimPrefix(kv.Key, cp.rangesPrefix())
		if s == kv.Key {
			cp.log.Warn("ignoring unknown consul key", "key", kv.Key)
			continue
		}

		key, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			cp.log.Warn("invalid consul key", "key", kv.Key)
			continue
		}

		rec := rangeRecord{}
		err = json.Unmarshal(kv.Value, &rec)
		if err != nil {
			cp.log.Warn("invalid range in consul", "key", kv.Key, "error", err)
			continue
		}

		if api.RangeID(key) != rec.ID {
			cp.log.Warn("mismatch between consul key and encoded range", "key", kv.Key, "id", rec.ID)
			continue
		}

		indexes[kv.Key] = kv.ModifyIndex
		values[kv.Key] = kv.Value
		records = append(records, rec)
	}

	if m == nil {
		return nil, fmt.Errorf("no ID policy found at %s", cp.metaKey())
	}

	reg, err := registry.NewPolicy(m.Name, m.Prefix, m.PrefixName, m.Width)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		_, err = reg.Add(rec.ID, rec.Owner, rec.Comment, rec.Start, rec.End)
		if err != nil {
			return nil, fmt.Errorf("invalid range in consul: %w", err)
		}
	}

	cp.modifyIndex = indexes
	cp.values = values

	return reg, nil
}

// Store writes the metadata and every range which has changed since the last
// Load or Store, in one transaction. Returns ErrConflict if any key was
// changed by someone else in the meantime.
func (cp *Persister) Store(reg *registry.Registry) error {
	cp.Lock()
	defer cp.Unlock()

	var ops capi.KVTxnOps

	v, err := json.Marshal(meta{
		Name:       reg.Name(),
		Prefix:     reg.Prefix(),
		PrefixName: reg.PrefixName(),
		Width:      reg.Width(),
	})
	if err != nil {
		return err
	}

	// Zero is fine here; a CAS with index zero only succeeds if the key
	// doesn't exist yet.
	ops = append(ops, &capi.KVTxnOp{
		Verb:  capi.KVCAS,
		Key:   cp.metaKey(),
		Value: v,
		Index: cp.modifyIndex[cp.metaKey()],
	})

	pending := map[string][]byte{}

	for _, r := range reg.RangesByID() {
		v, err := json.Marshal(rangeRecord{
			ID:      r.ID,
			Owner:   r.Owner,
			Comment: r.Comment,
			Start:   r.Start,
			End:     r.End,
		})
		if err != nil {
			return err
		}

		key := cp.rangeKey(r.ID)
		if prev, ok := cp.values[key]; ok && bytes.Equal(prev, v) {
			continue
		}

		ops = append(ops, &capi.KVTxnOp{
			Verb:  capi.KVCAS,
			Key:   key,
			Value: v,
			Index: cp.modifyIndex[key],
		})

		pending[key] = v
	}

	ok, res, _, err := cp.kv.Txn(ops, nil)
	if err != nil {
		return fmt.Errorf("error writing policy to consul: %w", err)
	}

	if !ok {
		msgs := []string{}
		if res != nil {
			for _, e := range res.Errors {
				msgs = append(msgs, e.What)
			}
		}

		return fmt.Errorf("%w: %s", persister.ErrConflict, strings.Join(msgs, "; "))
	}

	if len(res.Results) != len(ops) {
		return fmt.Errorf("expected %d results from Txn, got %d", len(ops), len(res.Results))
	}

	for _, kv := range res.Results {
		cp.modifyIndex[kv.Key] = kv.ModifyIndex
		if v, ok := pending[kv.Key]; ok {
			cp.values[kv.Key] = v
		}
	}

	return nil
}

// Update loads the policy, applies fn to it, and stores it. If the store
// fails because someone else changed the policy in the meantime, the whole
// thing is tried again (with a fresh load) after a jittered pause, up to the
// configured number of attempts. Errors returned by fn are returned as-is,
// without retrying.
func (cp *Persister) Update(ctx context.Context, fn func(*registry.Registry) error) (*registry.Registry, error) {
	ticker := jitterbug.New(cp.retryInterval, &jitterbug.Norm{Stdev: cp.retryInterval / 10})
	defer ticker.Stop()

	var err error
	for attempt := 1; attempt <= cp.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var reg *registry.Registry
		reg, err = cp.Load()
		if err != nil {
			return nil, err
		}

		err = fn(reg)
		if err != nil {
			return nil, err
		}

		err = cp.Store(reg)
		if err == nil {
			return reg, nil
		}

		if !errors.Is(err, persister.ErrConflict) {
			return nil, err
		}

		cp.log.Info("policy changed concurrently; retrying", "attempt", attempt, "error", err)

		if attempt == cp.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return nil, fmt.Errorf("gave up after %d attempts: %w", cp.maxAttempts, err)
}

// Create stores a new, empty policy. Fails with ErrConflict if there's
// already one at the root.
func (cp *Persister) Create(reg *registry.Registry) error {
	cp.Lock()
	cp.modifyIndex = map[string]uint64{}
	cp.values = map[string][]byte{}
	cp.Unlock()

	return cp.Store(reg)
}
