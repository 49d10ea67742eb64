/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package record

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/stretchr/testify/require"

	"github.com/verifiableworks/agent-core/pkg/events"
)

type testRecord struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Label   string `json:"label"`
	version uint64
}

func (r *testRecord) RecordID() string    { return r.ID }
func (r *testRecord) RecordState() string { return r.State }

func (r *testRecord) RecordTags() []storage.Tag {
	return []storage.Tag{{Name: "label", Value: r.Label}}
}

func (r *testRecord) Version() uint64           { return r.version }
func (r *testRecord) SetVersion(version uint64) { r.version = version }

type storageProvider struct {
	provider storage.Provider
}

func (p *storageProvider) StorageProvider() storage.Provider { return p.provider }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	s, err := NewStore(&storageProvider{provider: mem.NewProvider()}, "test_records", []string{"label"}, opts...)
	require.NoError(t, err)

	return s
}

func TestStoreSaveRetrieve(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		s := newTestStore(t)

		saved := &testRecord{ID: "rec-1", State: "init", Label: "alpha"}
		require.NoError(t, s.Save(context.Background(), saved))
		require.Equal(t, uint64(1), saved.Version())

		loaded := &testRecord{}
		require.NoError(t, s.Retrieve("rec-1", loaded))
		require.Equal(t, "init", loaded.State)
		require.Equal(t, "alpha", loaded.Label)
		require.Equal(t, uint64(1), loaded.Version())
	})

	t.Run("missing id on save", func(t *testing.T) {
		require.Error(t, newTestStore(t).Save(context.Background(), &testRecord{}))
	})

	t.Run("retrieve absent record", func(t *testing.T) {
		err := newTestStore(t).Retrieve("missing", &testRecord{})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("version increments on every save", func(t *testing.T) {
		s := newTestStore(t)

		rec := &testRecord{ID: "rec-1", State: "init"}

		for want := uint64(1); want <= 3; want++ {
			require.NoError(t, s.Save(context.Background(), rec))
			require.Equal(t, want, rec.Version())
		}
	})
}

// slowGetStore holds every Get open long enough for two concurrent savers to
// both read the stored version before either writes.
type slowGetStore struct {
	storage.Store
	delay time.Duration
}

func (s *slowGetStore) Get(key string) ([]byte, error) {
	raw, err := s.Store.Get(key)

	time.Sleep(s.delay)

	return raw, err
}

type slowGetProvider struct {
	storage.Provider
	delay time.Duration
}

func (p *slowGetProvider) OpenStore(name string) (storage.Store, error) {
	s, err := p.Provider.OpenStore(name)
	if err != nil {
		return nil, err
	}

	return &slowGetStore{Store: s, delay: p.delay}, nil
}

func TestStoreConcurrentSaveSingleWinner(t *testing.T) {
	slow := &slowGetProvider{Provider: mem.NewProvider(), delay: 50 * time.Millisecond}

	s, err := NewStore(&storageProvider{provider: slow}, "test_records", []string{"label"})
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), &testRecord{ID: "rec-1", State: "init"}))

	first := &testRecord{}
	require.NoError(t, s.Retrieve("rec-1", first))

	second := &testRecord{}
	require.NoError(t, s.Retrieve("rec-1", second))

	first.State = "updated-by-first"
	second.State = "updated-by-second"

	errs := make(chan error, 2)

	go func() { errs <- s.Save(context.Background(), first) }()
	go func() { errs <- s.Save(context.Background(), second) }()

	var wins, conflicts int

	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)

	final := &testRecord{}
	require.NoError(t, s.Retrieve("rec-1", final))
	require.Equal(t, uint64(2), final.Version())
}

func TestStoreVersionConflict(t *testing.T) {
	s := newTestStore(t)

	original := &testRecord{ID: "rec-1", State: "init"}
	require.NoError(t, s.Save(context.Background(), original))

	// Two readers load version 1; the slower writer must lose.
	first := &testRecord{}
	require.NoError(t, s.Retrieve("rec-1", first))

	second := &testRecord{}
	require.NoError(t, s.Retrieve("rec-1", second))

	first.State = "updated-by-first"
	require.NoError(t, s.Save(context.Background(), first))

	second.State = "updated-by-second"
	err := s.Save(context.Background(), second)
	require.ErrorIs(t, err, ErrVersionConflict)

	// Reload-and-reapply succeeds.
	require.NoError(t, s.Retrieve("rec-1", second))
	second.State = "updated-by-second"
	require.NoError(t, s.Save(context.Background(), second))

	final := &testRecord{}
	require.NoError(t, s.Retrieve("rec-1", final))
	require.Equal(t, "updated-by-second", final.State)
	require.Equal(t, uint64(3), final.Version())
}

func TestStoreQueryTag(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(context.Background(), &testRecord{ID: "rec-1", State: "init", Label: "alpha"}))
	require.NoError(t, s.Save(context.Background(), &testRecord{ID: "rec-2", State: "init", Label: "alpha"}))
	require.NoError(t, s.Save(context.Background(), &testRecord{ID: "rec-3", State: "init", Label: "beta"}))

	var ids []string

	err := s.QueryTag("label", "alpha", func(raw json.RawMessage, version uint64) error {
		rec := &testRecord{}
		require.NoError(t, json.Unmarshal(raw, rec))
		require.Equal(t, uint64(1), version)

		ids = append(ids, rec.ID)

		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"rec-1", "rec-2"}, ids)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(context.Background(), &testRecord{ID: "rec-1", State: "init"}))
	require.NoError(t, s.Delete("rec-1"))

	err := s.Retrieve("rec-1", &testRecord{})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete("rec-1"))
}

func TestStoreEvents(t *testing.T) {
	bus := events.NewBus()

	var topics []string

	bus.Subscribe(regexp.MustCompile("^agentcore::record::"), func(ctx context.Context, event events.Event) error {
		topics = append(topics, event.Topic)
		return nil
	})

	s := newTestStore(t, WithEventBus(bus, "test_topic"))

	rec := &testRecord{ID: "rec-1", State: "init"}
	require.NoError(t, s.Save(context.Background(), rec))

	rec.State = "done"
	require.NoError(t, s.Save(context.Background(), rec))

	require.Equal(t, []string{
		"agentcore::record::test_topic::init",
		"agentcore::record::test_topic::done",
	}, topics)
}
