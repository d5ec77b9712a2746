package consul

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adammck/dicer/pkg/api"
	"github.com/adammck/dicer/pkg/persister"
	"github.com/adammck/dicer/pkg/registry"
	"github.com/adammck/dicer/pkg/test/fake_kv"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ persister.Persister = &Persister{}
var _ KV = &fake_kv.KV{}

func setup(t *testing.T) (*fake_kv.KV, *Persister) {
	kv := fake_kv.New()
	cp := NewWithKV(kv, "/dicer/foo/", WithRetry(time.Millisecond, 3))

	reg := registry.New("foo")
	_, err := reg.Allocate("alice", "", 100)
	require.NoError(t, err)
	require.NoError(t, cp.Create(reg))

	return kv, cp
}

func TestCreateLoad(t *testing.T) {
	kv, cp := setup(t)

	assert.Equal(t, []string{"dicer/foo/meta", "dicer/foo/ranges/1"}, kv.Keys())
	assert.JSONEq(t,
		`{"id":1,"owner":"alice","start":0,"end":100}`,
		string(kv.Get("dicer/foo/ranges/1").Value))

	// A second persister sees the same thing.
	reg, err := NewWithKV(kv, "dicer/foo").Load()
	require.NoError(t, err)

	assert.Equal(t, "http://purl.obolibrary.org/obo/foo", reg.Name())
	assert.Equal(t, "http://purl.obolibrary.org/obo/FOO_%07d", reg.Format())

	want := []api.Range{{ID: 1, Owner: "alice", Start: 0, End: 100}}
	if diff := cmp.Diff(want, reg.RangesByID()); diff != "" {
		t.Errorf("unexpected ranges (-want +got):\n%s", diff)
	}

	// Creating again fails, since the metadata key already exists.
	err = cp.Create(reg)
	assert.True(t, errors.Is(err, persister.ErrConflict))
}

func TestStoreOnlyWritesChanges(t *testing.T) {
	kv, cp := setup(t)

	reg, err := cp.Load()
	require.NoError(t, err)

	before := kv.Get("dicer/foo/ranges/1").ModifyIndex

	_, err = reg.Allocate("bob", "hello", 10)
	require.NoError(t, err)
	require.NoError(t, cp.Store(reg))

	assert.Equal(t, before, kv.Get("dicer/foo/ranges/1").ModifyIndex)
	assert.JSONEq(t,
		`{"id":2,"owner":"bob","comment":"hello","start":100,"end":110}`,
		string(kv.Get("dicer/foo/ranges/2").Value))

	// Storing again without changes only touches the metadata.
	require.NoError(t, cp.Store(reg))
}

func TestStoreConflict(t *testing.T) {
	kv, cp := setup(t)
	other := NewWithKV(kv, "dicer/foo")

	a, err := cp.Load()
	require.NoError(t, err)
	b, err := other.Load()
	require.NoError(t, err)

	// Both allocate from the same snapshot, so both get range 2.
	ra, err := a.Allocate("bob", "", 10)
	require.NoError(t, err)
	rb, err := b.Allocate("carol", "", 10)
	require.NoError(t, err)
	assert.Equal(t, ra.ID, rb.ID)

	require.NoError(t, other.Store(b))

	err = cp.Store(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, persister.ErrConflict))

	// Carol won.
	reg, err := cp.Load()
	require.NoError(t, err)
	r, ok := reg.Find("carol")
	require.True(t, ok)
	assert.Equal(t, api.RangeID(2), r.ID)
	_, ok = reg.Find("bob")
	assert.False(t, ok)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	kv, cp := setup(t)
	other := NewWithKV(kv, "dicer/foo")

	// The first time the persister tries to commit, someone else sneaks in.
	sneaky := true
	kv.BeforeTxn = func() {
		if !sneaky {
			return
		}
		sneaky = false

		reg, err := other.Load()
		require.NoError(t, err)
		_, err = reg.Allocate("carol", "", 10)
		require.NoError(t, err)
		require.NoError(t, other.Store(reg))
	}

	calls := 0
	reg, err := cp.Update(context.Background(), func(reg *registry.Registry) error {
		calls += 1
		_, err := reg.Allocate("bob", "", 10)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, kv.Conflicts)

	want := []api.Range{
		{ID: 1, Owner: "alice", Start: 0, End: 100},
		{ID: 2, Owner: "carol", Start: 100, End: 110},
		{ID: 3, Owner: "bob", Start: 110, End: 120},
	}
	if diff := cmp.Diff(want, reg.RangesByID()); diff != "" {
		t.Errorf("unexpected ranges (-want +got):\n%s", diff)
	}
}

func TestUpdateGivesUp(t *testing.T) {
	kv, cp := setup(t)

	// Every commit conflicts.
	kv.BeforeTxn = func() {
		kv.Put("dicer/foo/meta", kv.Get("dicer/foo/meta").Value)
	}

	_, err := cp.Update(context.Background(), func(reg *registry.Registry) error {
		_, err := reg.Allocate("bob", "", 10)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, persister.ErrConflict))
	assert.Equal(t, 3, kv.Conflicts)
}

func TestUpdateDoesNotRetryOtherErrors(t *testing.T) {
	kv, cp := setup(t)

	calls := 0
	_, err := cp.Update(context.Background(), func(reg *registry.Registry) error {
		calls += 1
		_, err := reg.Allocate("bob", "", 100_000_000)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrRangeNotFound))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, kv.Txns) // from Create
}

func TestUpdateCanceled(t *testing.T) {
	kv, _ := setup(t)
	cp := NewWithKV(kv, "dicer/foo", WithRetry(time.Hour, 3))

	kv.BeforeTxn = func() {
		kv.Put("dicer/foo/meta", kv.Get("dicer/foo/meta").Value)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cp.Update(ctx, func(reg *registry.Registry) error {
		_, err := reg.Allocate("bob", "", 10)
		return err
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestUpdateCanceledBeforeLoad(t *testing.T) {
	kv, _ := setup(t)
	cp := NewWithKV(kv, "dicer/foo")

	lists, txns := kv.Lists, kv.Txns

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := cp.Update(ctx, func(reg *registry.Registry) error {
		called = true
		return nil
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
	assert.Equal(t, lists, kv.Lists, "should not have read from consul")
	assert.Equal(t, txns, kv.Txns, "should not have written to consul")
}

func TestLoadSkipsJunk(t *testing.T) {
	kv, cp := setup(t)

	kv.Put("dicer/foo/ranges/nope", []byte(`{}`))
	kv.Put("dicer/foo/ranges/7", []byte(`not json`))
	kv.Put("dicer/foo/ranges/8", []byte(`{"id":9,"owner":"x","start":500,"end":600}`))
	kv.Put("dicer/foo/other", []byte(`whatever`))

	reg, err := cp.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}

func TestLoadErrors(t *testing.T) {
	kv := fake_kv.New()
	cp := NewWithKV(kv, "dicer/foo")

	_, err := cp.Load()
	assert.EqualError(t, err, "no ID policy found at dicer/foo/meta")

	kv.ListErr = errors.New("boom")
	_, err = cp.Load()
	assert.EqualError(t, err, "error listing consul keys: boom")

	kv.Put("dicer/foo/meta", []byte(`{"name":"x","prefix":"X_","prefix_name":"X","width":3}`))
	kv.Put("dicer/foo/ranges/1", []byte(`{"id":1,"owner":"a","start":0,"end":5000}`))
	_, err = cp.Load()
	assert.True(t, errors.Is(err, api.ErrInvalidRange))
}
