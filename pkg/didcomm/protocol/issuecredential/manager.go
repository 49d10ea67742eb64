/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package issuecredential implements the issue-credential 2.0 exchange: the
// durable exchange record, the manager exposing one method per protocol
// transition, and the dispatcher handlers with their auto-respond behavior.
// Payload encoding is delegated to pluggable format handlers.
package issuecredential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/model"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
)

var logger = log.New("agent-core/issuecredential")

// ErrProtocolViolation is returned when an inbound message contradicts the
// exchange's earlier messages on the same thread.
var ErrProtocolViolation = errors.New("issue-credential protocol violation")

// FormatHandler encodes and decodes one attachment format's payloads at each
// protocol step. A handler returns format.ErrCapability for steps it does
// not implement.
type FormatHandler interface {
	// Supports reports whether the handler owns the given format identifier.
	Supports(formatID string) bool

	CreateProposal(ctx context.Context, rec *ExchangeRecord, filter map[string]interface{}) (format.Descriptor, *decorator.Attachment, error)
	ReceiveProposal(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	CreateOffer(ctx context.Context, rec *ExchangeRecord, filter map[string]interface{}) (format.Descriptor, *decorator.Attachment, error)
	ReceiveOffer(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	CreateRequest(ctx context.Context, rec *ExchangeRecord, holderDID string) (format.Descriptor, *decorator.Attachment, error)
	ReceiveRequest(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	IssueCredential(ctx context.Context, rec *ExchangeRecord) (format.Descriptor, *decorator.Attachment, error)
	ReceiveCredential(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	StoreCredential(ctx context.Context, rec *ExchangeRecord, credID string) error
}

// ProposalParams are the caller-supplied inputs to CreateProposal.
type ProposalParams struct {
	Comment string
	Preview *CredentialPreview
	// Filters maps format identifier to that format's proposal filter.
	Filters map[string]map[string]interface{}

	AutoRemove bool
}

// OfferParams are the caller-supplied inputs to CreateFreeOffer.
type OfferParams struct {
	Comment string
	Preview *CredentialPreview
	// Filters maps format identifier to that format's offer filter.
	Filters map[string]map[string]interface{}

	AutoIssue  bool
	AutoRemove bool
}

// Manager drives credential exchange state transitions. Every method
// persists the record before or instead of returning a message to send;
// callers deliver the returned message.
type Manager struct {
	store    *Store
	handlers []FormatHandler
}

// NewManager returns a Manager over the exchange store and format handlers.
func NewManager(store *Store, handlers ...FormatHandler) *Manager {
	return &Manager{store: store, handlers: handlers}
}

func (m *Manager) handlerFor(formatID string) (FormatHandler, error) {
	for _, h := range m.handlers {
		if h.Supports(formatID) {
			return h, nil
		}
	}

	return nil, fmt.Errorf("no handler for attachment format %s", formatID)
}

// CreateProposal starts a holder-initiated exchange: builds the proposal
// message from the per-format filters, persists a proposal-sent record, and
// returns both for the caller to send.
func (m *Manager) CreateProposal(ctx context.Context, connectionID string,
	params *ProposalParams) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	rec := newRecord(connectionID, RoleHolder, InitiatorSelf)
	rec.AutoRemove = params.AutoRemove

	proposal := &ProposeCredential{
		Type:              ProposeCredentialMsgType,
		ID:                rec.ThreadID,
		Comment:           params.Comment,
		CredentialPreview: params.Preview,
	}

	for formatID, filter := range params.Filters {
		handler, err := m.handlerFor(formatID)
		if err != nil {
			return nil, nil, err
		}

		desc, attachment, err := handler.CreateProposal(ctx, rec, filter)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, fmt.Errorf("create proposal for format %s: %w", formatID, err)
		}

		proposal.Formats = append(proposal.Formats, desc)
		proposal.FiltersAttach = append(proposal.FiltersAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(proposal)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, "")

	rec.State = StateProposalSent
	rec.CredProposal = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceiveProposal records an inbound proposal on the issuer side. A second
// proposal on a thread that already advanced past proposal-received is a
// protocol violation.
func (m *Manager) ReceiveProposal(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	existing, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err == nil {
		return nil, fmt.Errorf("%w: duplicate proposal on thread %s in state %s",
			ErrProtocolViolation, existing.ThreadID, existing.State)
	}

	rec := newRecord(connectionID, RoleIssuer, InitiatorExternal)
	rec.ThreadID = msg.ThreadID()
	rec.ParentThreadID = msg.ParentThreadID()

	proposal := &ProposeCredential{}
	if err := msg.Decode(proposal); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}

	for _, desc := range proposal.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, err
		}

		attachment, err := format.FindAttachment(desc.Format, proposal.Formats, proposal.FiltersAttach)
		if err != nil {
			return nil, err
		}

		if err := handler.ReceiveProposal(ctx, rec, attachment); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, fmt.Errorf("receive proposal for format %s: %w", desc.Format, err)
		}
	}

	rec.State = StateProposalReceived
	rec.CredProposal = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// CreateOffer answers a received proposal with an offer. Collaborator
// failures abandon the record rather than leaving it in proposal-received
// with a half-built message.
func (m *Manager) CreateOffer(ctx context.Context, rec *ExchangeRecord,
	comment string) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StateProposalReceived); err != nil {
		return nil, nil, err
	}

	proposal := &ProposeCredential{}
	if err := rec.CredProposal.Decode(proposal); err != nil {
		return nil, nil, fmt.Errorf("decode stored proposal: %w", err)
	}

	offer := &OfferCredential{
		Type:              OfferCredentialMsgType,
		ID:                uuid.New().String(),
		Comment:           comment,
		CredentialPreview: proposal.CredentialPreview,
		Thread:            &decorator.Thread{ID: rec.ThreadID},
	}

	for _, desc := range proposal.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, nil, err
		}

		filterAttach, err := format.FindAttachment(desc.Format, proposal.Formats, proposal.FiltersAttach)
		if err != nil {
			return nil, nil, err
		}

		var filter map[string]interface{}

		if filterAttach != nil {
			filter, err = filterAttach.Fetch()
			if err != nil {
				return nil, nil, err
			}
		}

		offerDesc, attachment, err := handler.CreateOffer(ctx, rec, filter)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("create offer for format %s: %w", desc.Format, err))
		}

		offer.Formats = append(offer.Formats, offerDesc)
		offer.OffersAttach = append(offer.OffersAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(offer)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, rec.ParentThreadID)

	rec.State = StateOfferSent
	rec.CredOffer = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// CreateFreeOffer starts an issuer-initiated exchange with an offer built
// from the per-format filters, outside any prior proposal.
func (m *Manager) CreateFreeOffer(ctx context.Context, connectionID string,
	params *OfferParams) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	rec := newRecord(connectionID, RoleIssuer, InitiatorSelf)
	rec.AutoIssue = params.AutoIssue
	rec.AutoRemove = params.AutoRemove

	offer := &OfferCredential{
		Type:              OfferCredentialMsgType,
		ID:                rec.ThreadID,
		Comment:           params.Comment,
		CredentialPreview: params.Preview,
	}

	for formatID, filter := range params.Filters {
		handler, err := m.handlerFor(formatID)
		if err != nil {
			return nil, nil, err
		}

		desc, attachment, err := handler.CreateOffer(ctx, rec, filter)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("create offer for format %s: %w", formatID, err))
		}

		offer.Formats = append(offer.Formats, desc)
		offer.OffersAttach = append(offer.OffersAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(offer)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, "")

	rec.State = StateOfferSent
	rec.CredOffer = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceiveOffer records an inbound offer on the holder side, validating it
// against any proposal previously sent on the thread.
func (m *Manager) ReceiveOffer(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	offer := &OfferCredential{}
	if err := msg.Decode(offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}

	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		rec = newRecord(connectionID, RoleHolder, InitiatorExternal)
		rec.ThreadID = msg.ThreadID()
		rec.ParentThreadID = msg.ParentThreadID()
	} else {
		if err := rec.requireState(StateProposalSent); err != nil {
			return nil, err
		}

		if err := m.checkOfferAgainstProposal(rec, offer); err != nil {
			return nil, err
		}
	}

	for _, desc := range offer.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, err
		}

		attachment, err := format.FindAttachment(desc.Format, offer.Formats, offer.OffersAttach)
		if err != nil {
			return nil, err
		}

		if err := handler.ReceiveOffer(ctx, rec, attachment); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, fmt.Errorf("receive offer for format %s: %w", desc.Format, err)
		}
	}

	rec.State = StateOfferReceived
	rec.CredOffer = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// CreateRequest answers a received offer with a credential request bound to
// the holder DID.
func (m *Manager) CreateRequest(ctx context.Context, rec *ExchangeRecord,
	holderDID string) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StateOfferReceived); err != nil {
		return nil, nil, err
	}

	offer := &OfferCredential{}
	if err := rec.CredOffer.Decode(offer); err != nil {
		return nil, nil, fmt.Errorf("decode stored offer: %w", err)
	}

	request := &RequestCredential{
		Type:   RequestCredentialMsgType,
		ID:     uuid.New().String(),
		Thread: &decorator.Thread{ID: rec.ThreadID},
	}

	for _, desc := range offer.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, nil, err
		}

		reqDesc, attachment, err := handler.CreateRequest(ctx, rec, holderDID)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("create request for format %s: %w", desc.Format, err))
		}

		request.Formats = append(request.Formats, reqDesc)
		request.RequestsAttach = append(request.RequestsAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(request)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, rec.ParentThreadID)

	rec.State = StateRequestSent
	rec.CredRequest = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceiveRequest records an inbound credential request on the issuer side.
// The exchange must have an offer outstanding on the thread.
func (m *Manager) ReceiveRequest(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		return nil, err
	}

	if err := rec.requireState(StateOfferSent); err != nil {
		return nil, err
	}

	request := &RequestCredential{}
	if err := msg.Decode(request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	for _, desc := range request.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, err
		}

		attachment, err := format.FindAttachment(desc.Format, request.Formats, request.RequestsAttach)
		if err != nil {
			return nil, err
		}

		if err := handler.ReceiveRequest(ctx, rec, attachment); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, fmt.Errorf("receive request for format %s: %w", desc.Format, err)
		}
	}

	rec.State = StateRequestReceived
	rec.CredRequest = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// IssueCredential signs and packages the credential for a received request.
// Format handlers own the expensive work, including revocation registry
// acquisition and its bounded retries; budget exhaustion abandons the
// record.
func (m *Manager) IssueCredential(ctx context.Context, rec *ExchangeRecord,
	comment string) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StateRequestReceived); err != nil {
		return nil, nil, err
	}

	request := &RequestCredential{}
	if err := rec.CredRequest.Decode(request); err != nil {
		return nil, nil, fmt.Errorf("decode stored request: %w", err)
	}

	issue := &IssueCredential{
		Type:    IssueCredentialMsgType,
		ID:      uuid.New().String(),
		Comment: comment,
		Thread:  &decorator.Thread{ID: rec.ThreadID},
	}

	for _, desc := range request.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, nil, err
		}

		credDesc, attachment, err := handler.IssueCredential(ctx, rec)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("issue credential for format %s: %w", desc.Format, err))
		}

		issue.Formats = append(issue.Formats, credDesc)
		issue.CredentialsAttach = append(issue.CredentialsAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(issue)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, rec.ParentThreadID)

	rec.State = StateCredentialIssued
	rec.CredIssue = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceiveCredential records an inbound issued credential on the holder side.
func (m *Manager) ReceiveCredential(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		return nil, err
	}

	if err := rec.requireState(StateRequestSent); err != nil {
		return nil, err
	}

	issue := &IssueCredential{}
	if err := msg.Decode(issue); err != nil {
		return nil, fmt.Errorf("decode credential message: %w", err)
	}

	for _, desc := range issue.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, err
		}

		attachment, err := format.FindAttachment(desc.Format, issue.Formats, issue.CredentialsAttach)
		if err != nil {
			return nil, err
		}

		if err := handler.ReceiveCredential(ctx, rec, attachment); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, fmt.Errorf("receive credential for format %s: %w", desc.Format, err)
		}
	}

	rec.State = StateCredentialReceived
	rec.CredIssue = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// StoreCredential validates and stores a received credential, completes the
// exchange, and returns the ack to send. When auto-remove is set the record
// is deleted once done.
func (m *Manager) StoreCredential(ctx context.Context, rec *ExchangeRecord,
	credID string) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StateCredentialReceived); err != nil {
		return nil, nil, err
	}

	if credID == "" {
		credID = uuid.New().String()
	}

	issue := &IssueCredential{}
	if err := rec.CredIssue.Decode(issue); err != nil {
		return nil, nil, fmt.Errorf("decode stored credential message: %w", err)
	}

	for _, desc := range issue.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, nil, err
		}

		if err := handler.StoreCredential(ctx, rec, credID); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("store credential for format %s: %w", desc.Format, err))
		}
	}

	ack := &model.Ack{
		Type:   AckMsgType,
		ID:     uuid.New().String(),
		Status: model.AckStatusOK,
		Thread: &decorator.Thread{ID: rec.ThreadID},
	}

	msg, err := service.NewDIDCommMsgMap(ack)
	if err != nil {
		return nil, nil, err
	}

	rec.State = StateDone

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	m.autoRemove(rec)

	return rec, msg, nil
}

// ReceiveAck completes the exchange on the issuer side.
func (m *Manager) ReceiveAck(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		return nil, err
	}

	if err := rec.requireState(StateCredentialIssued); err != nil {
		return nil, err
	}

	rec.State = StateDone

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	m.autoRemove(rec)

	return rec, nil
}

// ReceiveProblemReport abandons the exchange, recording the peer's reason.
func (m *Manager) ReceiveProblemReport(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		return nil, err
	}

	report := &model.ProblemReport{}
	if err := msg.Decode(report); err != nil {
		return nil, fmt.Errorf("decode problem report: %w", err)
	}

	rec.State = StateAbandoned
	rec.ErrorMsg = fmt.Sprintf("%s: %s", report.Description.Code, report.Description.Comment)

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// Abandon moves the exchange into the abandoned state and returns the
// problem report to send to the peer.
func (m *Manager) Abandon(ctx context.Context, rec *ExchangeRecord,
	reason string) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if rec.State == StateDone || rec.State == StateAbandoned {
		return nil, nil, fmt.Errorf("%w: record %s already terminal", ErrStateTransition, rec.ID)
	}

	rec.State = StateAbandoned
	rec.ErrorMsg = reason

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	report := &model.ProblemReport{
		Type:        ProblemReportMsgType,
		ID:          uuid.New().String(),
		Description: model.Code{Code: "issuance-abandoned", Comment: reason},
		Thread:      &decorator.Thread{ID: rec.ThreadID},
	}

	msg, err := service.NewDIDCommMsgMap(report)
	if err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// abandon persists the failure on the record, then returns the original
// error for the caller to surface.
func (m *Manager) abandon(ctx context.Context, rec *ExchangeRecord, cause error) error {
	rec.State = StateAbandoned
	rec.ErrorMsg = cause.Error()

	if saveErr := m.store.Save(ctx, rec); saveErr != nil {
		logger.Errorf("failed to save abandoned record %s: %v", rec.ID, saveErr)
	}

	return cause
}

func (m *Manager) autoRemove(rec *ExchangeRecord) {
	if !rec.AutoRemove {
		return
	}

	if err := m.store.Delete(rec.ID); err != nil {
		logger.Warnf("failed to auto-remove record %s: %v", rec.ID, err)
	}
}

// checkOfferAgainstProposal rejects an offer whose preview names different
// attributes than the proposal it answers.
func (m *Manager) checkOfferAgainstProposal(rec *ExchangeRecord, offer *OfferCredential) error {
	proposal := &ProposeCredential{}
	if err := rec.CredProposal.Decode(proposal); err != nil {
		return fmt.Errorf("decode stored proposal: %w", err)
	}

	if proposal.CredentialPreview == nil || offer.CredentialPreview == nil {
		return nil
	}

	proposed := map[string]bool{}
	for _, attr := range proposal.CredentialPreview.Attributes {
		proposed[attr.Name] = true
	}

	for _, attr := range offer.CredentialPreview.Attributes {
		if !proposed[attr.Name] {
			return fmt.Errorf("%w: offered attribute %q was not proposed", ErrProtocolViolation, attr.Name)
		}

		delete(proposed, attr.Name)
	}

	for name := range proposed {
		return fmt.Errorf("%w: proposed attribute %q missing from offer", ErrProtocolViolation, name)
	}

	return nil
}

func newRecord(connectionID, role, initiator string) *ExchangeRecord {
	now := time.Now().UTC()

	id := uuid.New().String()

	return &ExchangeRecord{
		ID:           id,
		ConnectionID: connectionID,
		ThreadID:     id,
		Role:         role,
		Initiator:    initiator,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
