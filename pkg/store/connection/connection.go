/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package connection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

const (
	// Namespace is the name of the connection store.
	Namespace = "connection"

	connKeyPrefix  = "conn_%s"
	recKeyTagName  = "recKey"
	stateTagName   = "connState"
	stateCompleted = "completed"
)

var logger = log.New("agent-core/store/connection")

// ErrConnectionNotFound is returned when no connection record matches a query.
var ErrConnectionNotFound = errors.New("connection record not found")

// Record describes an established (or in-progress) connection with a peer.
// It is written by the connection protocol, outside this module; the engine
// only reads it to bind inbound messages to a connection.
type Record struct {
	ConnectionID    string   `json:"connection_id"`
	State           string   `json:"state"`
	ThreadID        string   `json:"thread_id,omitempty"`
	MyDID           string   `json:"my_did,omitempty"`
	TheirDID        string   `json:"their_did,omitempty"`
	TheirLabel      string   `json:"their_label,omitempty"`
	ServiceEndpoint string   `json:"service_endpoint,omitempty"`
	RecipientKeys   []string `json:"recipient_keys,omitempty"`
}

// IsReady reports whether the connection has completed its exchange and can
// carry protocol messages.
func (r *Record) IsReady() bool {
	return r.State == stateCompleted
}

type provider interface {
	StorageProvider() storage.Provider
}

// Store provides connection record persistence and lookup.
type Store struct {
	store storage.Store
}

// NewStore returns a connection record store backed by the provider's storage.
func NewStore(p provider) (*Store, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace,
		storage.StoreConfiguration{TagNames: []string{recKeyTagName, stateTagName}})
	if err != nil {
		return nil, fmt.Errorf("set connection store config: %w", err)
	}

	return &Store{store: store}, nil
}

// SaveRecord persists a connection record, indexed by its recipient keys.
func (s *Store) SaveRecord(record *Record) error {
	if record.ConnectionID == "" {
		return errors.New("connection id is required")
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}

	tags := []storage.Tag{{Name: stateTagName, Value: record.State}}
	for _, key := range record.RecipientKeys {
		tags = append(tags, storage.Tag{Name: recKeyTagName, Value: key})
	}

	return s.store.Put(fmt.Sprintf(connKeyPrefix, record.ConnectionID), value, tags...)
}

// GetRecord returns the connection record with the given id.
func (s *Store) GetRecord(connectionID string) (*Record, error) {
	value, err := s.store.Get(fmt.Sprintf(connKeyPrefix, connectionID))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, ErrConnectionNotFound
		}

		return nil, fmt.Errorf("get connection record: %w", err)
	}

	return unmarshalRecord(value)
}

// GetRecordByKey returns the connection record whose recipient keys include
// the given base58-encoded verification key.
func (s *Store) GetRecordByKey(verKey string) (*Record, error) {
	iter, err := s.store.Query(fmt.Sprintf("%s:%s", recKeyTagName, verKey))
	if err != nil {
		return nil, fmt.Errorf("query connection records: %w", err)
	}

	defer func() {
		if errClose := iter.Close(); errClose != nil {
			logger.Errorf("failed to close connection record iterator: %v", errClose)
		}
	}()

	more, err := iter.Next()
	if err != nil {
		return nil, fmt.Errorf("iterate connection records: %w", err)
	}

	if !more {
		return nil, ErrConnectionNotFound
	}

	value, err := iter.Value()
	if err != nil {
		return nil, fmt.Errorf("read connection record: %w", err)
	}

	return unmarshalRecord(value)
}

func unmarshalRecord(value []byte) (*Record, error) {
	record := &Record{}
	if err := json.Unmarshal(value, record); err != nil {
		return nil, fmt.Errorf("unmarshal connection record: %w", err)
	}

	return record, nil
}
