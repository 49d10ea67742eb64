/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
	"github.com/verifiableworks/agent-core/pkg/events"
	"github.com/verifiableworks/agent-core/pkg/store/record"
)

// Exchange states, forward order. Abandoned is reachable sideways from any
// non-terminal state.
const (
	StateProposalSent       = "proposal-sent"
	StateProposalReceived   = "proposal-received"
	StateOfferSent          = "offer-sent"
	StateOfferReceived      = "offer-received"
	StateRequestSent        = "request-sent"
	StateRequestReceived    = "request-received"
	StateCredentialIssued   = "credential-issued"
	StateCredentialReceived = "credential-received"
	StateDone               = "done"
	StateAbandoned          = "abandoned"
)

// Exchange roles.
const (
	RoleIssuer = "issuer"
	RoleHolder = "holder"
)

// Initiator values: which side started the exchange.
const (
	InitiatorSelf     = "self"
	InitiatorExternal = "external"
)

// StoreName is the durable store holding credential exchange records.
const StoreName = "credential_exchange"

// EventTopic is the record topic segment of emitted state-change events.
const EventTopic = "issue_credential"

// Tag names exchange records are indexed under.
const (
	TagThreadID     = "threadId"
	TagConnectionID = "connectionId"
	TagState        = "state"
)

// ErrStateTransition is returned when a transition method finds the record
// in a state it cannot move forward from.
var ErrStateTransition = errors.New("invalid credential exchange state transition")

// ExchangeRecord is the durable state of one credential exchange thread.
type ExchangeRecord struct {
	ID             string `json:"credential_exchange_id"`
	ConnectionID   string `json:"connection_id,omitempty"`
	ThreadID       string `json:"thread_id"`
	ParentThreadID string `json:"parent_thread_id,omitempty"`
	State          string `json:"state"`
	Role           string `json:"role"`
	Initiator      string `json:"initiator"`

	// Most recent message of each protocol step, kept for validation of
	// later steps against earlier ones.
	CredProposal service.DIDCommMsgMap `json:"cred_proposal,omitempty"`
	CredOffer    service.DIDCommMsgMap `json:"cred_offer,omitempty"`
	CredRequest  service.DIDCommMsgMap `json:"cred_request,omitempty"`
	CredIssue    service.DIDCommMsgMap `json:"cred_issue,omitempty"`

	AutoOffer  bool `json:"auto_offer,omitempty"`
	AutoIssue  bool `json:"auto_issue,omitempty"`
	AutoRemove bool `json:"auto_remove,omitempty"`

	ErrorMsg string `json:"error_msg,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	version uint64
}

// RecordID implements record.Record.
func (r *ExchangeRecord) RecordID() string { return r.ID }

// RecordState implements record.Record.
func (r *ExchangeRecord) RecordState() string { return r.State }

// RecordTags implements record.Record.
func (r *ExchangeRecord) RecordTags() []storage.Tag {
	tags := []storage.Tag{
		{Name: TagThreadID, Value: r.ThreadID},
		{Name: TagState, Value: r.State},
	}

	if r.ConnectionID != "" {
		tags = append(tags, storage.Tag{Name: TagConnectionID, Value: r.ConnectionID})
	}

	return tags
}

// Version implements record.Record.
func (r *ExchangeRecord) Version() uint64 { return r.version }

// SetVersion implements record.Record.
func (r *ExchangeRecord) SetVersion(version uint64) { r.version = version }

// requireState fails unless the record is in one of the allowed states. The
// persisted state is the sole ordering oracle for racing dispatches.
func (r *ExchangeRecord) requireState(allowed ...string) error {
	for _, state := range allowed {
		if r.State == state {
			return nil
		}
	}

	return fmt.Errorf("%w: record %s in state %s", ErrStateTransition, r.ID, r.State)
}

type storeProvider interface {
	StorageProvider() storage.Provider
	EventBus() *events.Bus
}

// Store persists credential exchange records.
type Store struct {
	records *record.Store
}

// NewStore opens the credential exchange store.
func NewStore(p storeProvider) (*Store, error) {
	records, err := record.NewStore(p, StoreName,
		[]string{TagThreadID, TagConnectionID, TagState},
		record.WithEventBus(p.EventBus(), EventTopic))
	if err != nil {
		return nil, fmt.Errorf("open credential exchange store: %w", err)
	}

	return &Store{records: records}, nil
}

// Save persists the record, bumping UpdatedAt and emitting a state event.
func (s *Store) Save(ctx context.Context, rec *ExchangeRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	return s.records.Save(ctx, rec)
}

// Get loads a record by exchange id.
func (s *Store) Get(id string) (*ExchangeRecord, error) {
	rec := &ExchangeRecord{}
	if err := s.records.Retrieve(id, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// FindByThread locates the record for a thread id, additionally requiring a
// matching connection id when one is given. Connectionless flows pass an
// empty connection id and match on thread alone.
func (s *Store) FindByThread(threadID, connectionID string) (*ExchangeRecord, error) {
	var found *ExchangeRecord

	err := s.records.QueryTag(TagThreadID, threadID, func(raw json.RawMessage, version uint64) error {
		var rec ExchangeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal credential exchange record: %w", err)
		}

		rec.SetVersion(version)

		if connectionID == "" || rec.ConnectionID == connectionID {
			found = &rec
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, fmt.Errorf("%w: thread %s", record.ErrNotFound, threadID)
	}

	return found, nil
}

// Delete removes the record.
func (s *Store) Delete(id string) error {
	return s.records.Delete(id)
}
