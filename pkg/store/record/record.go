/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package record layers exchange-record semantics over the tagged key-value
// storage interface: JSON persistence, tag-based retrieval, optimistic
// version checks, and state-change event emission.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/verifiableworks/agent-core/pkg/common/kmutex"
	"github.com/verifiableworks/agent-core/pkg/events"
)

// EventNamespace prefixes every record state-change topic.
const EventNamespace = "agentcore"

var logger = log.New("agent-core/store/record")

// ErrNotFound is returned when no record matches the id or tag filter.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is returned when a save loses a race against a
// concurrent writer of the same record. It is retryable: reload and reapply.
var ErrVersionConflict = errors.New("record version conflict")

// Record is a durable, versioned, tagged record.
type Record interface {
	// RecordID returns the record's unique identifier.
	RecordID() string
	// RecordState returns the record's current state, used as the event
	// topic suffix on save.
	RecordState() string
	// RecordTags returns the tags the record is indexed under.
	RecordTags() []storage.Tag
	// Version returns the record's last persisted version, zero for a
	// record never saved.
	Version() uint64
	// SetVersion updates the in-memory version after a successful save.
	SetVersion(version uint64)
}

type envelope struct {
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value"`
}

type provider interface {
	StorageProvider() storage.Provider
}

// Store persists one record type in one named store.
type Store struct {
	store storage.Store
	locks *kmutex.KeyedMutex
	bus   *events.Bus
	topic string
}

// Option configures a Store.
type Option func(*Store)

// WithEventBus makes every save emit an event on
// "agentcore::record::<topic>::<state>" carrying the saved record.
func WithEventBus(bus *events.Bus, topic string) Option {
	return func(s *Store) {
		s.bus = bus
		s.topic = topic
	}
}

// NewStore opens the named store and configures its tag indexes.
func NewStore(p provider, name string, tagNames []string, opts ...Option) (*Store, error) {
	store, err := p.StorageProvider().OpenStore(name)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}

	err = p.StorageProvider().SetStoreConfig(name, storage.StoreConfiguration{TagNames: tagNames})
	if err != nil {
		return nil, fmt.Errorf("set store config for %s: %w", name, err)
	}

	s := &Store{store: store, locks: kmutex.New()}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Save persists the record, enforcing an optimistic version check: the save
// fails with ErrVersionConflict unless the stored version equals the
// record's in-memory version. On success the record's version is bumped and
// a state-change event is emitted when an event bus is configured.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.RecordID() == "" {
		return errors.New("record id is required")
	}

	// The version check and the put must not interleave with another saver
	// of the same record, or both would read the same version and both win.
	unlock := s.locks.Lock(rec.RecordID())
	defer unlock()

	current, err := s.currentVersion(rec.RecordID())
	if err != nil {
		return err
	}

	if current != rec.Version() {
		return fmt.Errorf("%w: stored version %d, expected %d", ErrVersionConflict, current, rec.Version())
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	env, err := json.Marshal(envelope{Version: current + 1, Value: value})
	if err != nil {
		return fmt.Errorf("marshal record envelope: %w", err)
	}

	if err := s.store.Put(rec.RecordID(), env, rec.RecordTags()...); err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	rec.SetVersion(current + 1)

	s.emit(ctx, rec)

	return nil
}

// Retrieve loads the record with the given id into rec.
func (s *Store) Retrieve(id string, rec Record) error {
	raw, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return fmt.Errorf("%w: id %s", ErrNotFound, id)
		}

		return fmt.Errorf("get record: %w", err)
	}

	return decodeEnvelope(raw, rec)
}

// QueryTag streams every record indexed under the tag name/value pair to
// each. The callback receives the raw record value and its stored version.
func (s *Store) QueryTag(name, value string, each func(raw json.RawMessage, version uint64) error) error {
	iter, err := s.store.Query(fmt.Sprintf("%s:%s", name, value))
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}

	defer func() {
		if errClose := iter.Close(); errClose != nil {
			logger.Errorf("failed to close record iterator: %v", errClose)
		}
	}()

	for {
		more, err := iter.Next()
		if err != nil {
			return fmt.Errorf("iterate records: %w", err)
		}

		if !more {
			return nil
		}

		raw, err := iter.Value()
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("unmarshal record envelope: %w", err)
		}

		if err := each(env.Value, env.Version); err != nil {
			return err
		}
	}
}

// Delete removes the record with the given id. Deleting an absent record is
// not an error.
func (s *Store) Delete(id string) error {
	if err := s.store.Delete(id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	return nil
}

func (s *Store) currentVersion(id string) (uint64, error) {
	raw, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return 0, nil
		}

		return 0, fmt.Errorf("get record: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("unmarshal record envelope: %w", err)
	}

	return env.Version, nil
}

func (s *Store) emit(ctx context.Context, rec Record) {
	if s.bus == nil {
		return
	}

	topic := fmt.Sprintf("%s::record::%s::%s", EventNamespace, s.topic, rec.RecordState())
	s.bus.Notify(ctx, events.Event{Topic: topic, Payload: rec})
}

func decodeEnvelope(raw []byte, rec Record) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal record envelope: %w", err)
	}

	if err := json.Unmarshal(env.Value, rec); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}

	rec.SetVersion(env.Version)

	return nil
}
