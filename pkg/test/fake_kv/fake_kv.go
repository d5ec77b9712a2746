package fake_kv

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	capi "github.com/hashicorp/consul/api"
)

// KV is an in-memory stand-in for the Consul KV API, with the same
// check-and-set semantics: a CAS with index zero only creates, and a CAS
// with any other index only succeeds if the key's ModifyIndex still matches.
// Transactions are all-or-nothing.
type KV struct {
	mu    sync.Mutex
	pairs map[string]*capi.KVPair
	index uint64

	// BeforeTxn, if set, is called (without the lock held) at the start of
	// every Txn. Tests use it to sneak in a concurrent write.
	BeforeTxn func()

	// Set by tests to make the next call fail.
	ListErr error
	TxnErr  error

	// Counters.
	Lists     int
	Txns      int
	Conflicts int
}

func New() *KV {
	return &KV{
		pairs: map[string]*capi.KVPair{},
	}
}

// Put writes a key unconditionally.
func (kv *KV) Put(key string, value []byte) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.put(key, value)
}

func (kv *KV) put(key string, value []byte) *capi.KVPair {
	kv.index += 1

	p, ok := kv.pairs[key]
	if !ok {
		p = &capi.KVPair{Key: key, CreateIndex: kv.index}
		kv.pairs[key] = p
	}

	p.Value = append([]byte(nil), value...)
	p.ModifyIndex = kv.index

	c := *p
	return &c
}

// Get returns a copy of a key, or nil if it doesn't exist.
func (kv *KV) Get(key string) *capi.KVPair {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	p, ok := kv.pairs[key]
	if !ok {
		return nil
	}

	c := *p
	return &c
}

// Keys returns every key, sorted.
func (kv *KV) Keys() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	out := make([]string, 0, len(kv.pairs))
	for k := range kv.pairs {
		out = append(out, k)
	}

	sort.Strings(out)
	return out
}

func (kv *KV) List(prefix string, q *capi.QueryOptions) (capi.KVPairs, *capi.QueryMeta, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.Lists += 1

	if err := kv.ListErr; err != nil {
		kv.ListErr = nil
		return nil, nil, err
	}

	out := capi.KVPairs{}
	for k, p := range kv.pairs {
		if strings.HasPrefix(k, prefix) {
			c := *p
			out = append(out, &c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, &capi.QueryMeta{LastIndex: kv.index}, nil
}

func (kv *KV) Txn(ops capi.KVTxnOps, q *capi.QueryOptions) (bool, *capi.KVTxnResponse, *capi.QueryMeta, error) {
	if kv.BeforeTxn != nil {
		kv.BeforeTxn()
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.Txns += 1

	if err := kv.TxnErr; err != nil {
		kv.TxnErr = nil
		return false, nil, nil, err
	}

	errs := capi.TxnErrors{}
	for i, op := range ops {
		if op.Verb != capi.KVCAS && op.Verb != capi.KVSet {
			return false, nil, nil, errors.New("unsupported verb: " + string(op.Verb))
		}

		if op.Verb != capi.KVCAS {
			continue
		}

		p, exists := kv.pairs[op.Key]
		if (op.Index == 0 && exists) || (op.Index != 0 && (!exists || p.ModifyIndex != op.Index)) {
			errs = append(errs, &capi.TxnError{
				OpIndex: i,
				What:    fmt.Sprintf("failed to set key %q, index is stale", op.Key),
			})
		}
	}

	if len(errs) > 0 {
		kv.Conflicts += 1
		return false, &capi.KVTxnResponse{Errors: errs}, &capi.QueryMeta{}, nil
	}

	res := &capi.KVTxnResponse{}
	for _, op := range ops {
		res.Results = append(res.Results, kv.put(op.Key, op.Value))
	}

	return true, res, &capi.QueryMeta{}, nil
}
