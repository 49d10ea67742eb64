/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package presentproof implements the present-proof 2.0 exchange: the
// durable exchange record, the manager exposing one method per protocol
// transition, and the dispatcher handlers with their auto-present behavior.
// Proof encoding and verification are delegated to pluggable format
// handlers.
package presentproof

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

var logger = log.New("agent-core/presentproof")

// ErrProtocolViolation is returned when an inbound message contradicts the
// exchange's earlier messages on the same thread.
var ErrProtocolViolation = errors.New("present-proof protocol violation")

// FormatHandler encodes, decodes and verifies one attachment format's
// payloads. A handler returns format.ErrCapability for steps it does not
// implement.
type FormatHandler interface {
	// Supports reports whether the handler owns the given format identifier.
	Supports(formatID string) bool

	CreateProposal(ctx context.Context, rec *ExchangeRecord, proposal map[string]interface{}) (format.Descriptor, *decorator.Attachment, error)
	ReceiveProposal(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	CreateRequest(ctx context.Context, rec *ExchangeRecord, proofRequest map[string]interface{}) (format.Descriptor, *decorator.Attachment, error)
	ReceiveRequest(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	CreatePresentation(ctx context.Context, rec *ExchangeRecord, requestedCredentials map[string]interface{}) (format.Descriptor, *decorator.Attachment, error)
	ReceivePresentation(ctx context.Context, rec *ExchangeRecord, attachment *decorator.Attachment) error
	VerifyPresentation(ctx context.Context, rec *ExchangeRecord) (bool, error)
}

// ProposalParams are the caller-supplied inputs to CreateProposal.
type ProposalParams struct {
	Comment string
	// Proposals maps format identifier to that format's presentation
	// proposal.
	Proposals map[string]map[string]interface{}

	// AutoPresent answers the verifier's eventual request on this thread
	// without an operator step.
	AutoPresent bool
	AutoRemove  bool
}

// RequestParams are the caller-supplied inputs to request creation.
type RequestParams struct {
	Comment string
	// Requests maps format identifier to that format's proof request.
	Requests map[string]map[string]interface{}

	WillConfirm bool
	AutoRemove  bool
}

// Manager drives presentation exchange state transitions.
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

// CreateProposal starts a prover-initiated exchange.
func (m *Manager) CreateProposal(ctx context.Context, connectionID string,
	params *ProposalParams) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	rec := newRecord(connectionID, RoleProver, InitiatorSelf)
	rec.AutoPresent = params.AutoPresent
	rec.AutoRemove = params.AutoRemove

	proposal := &ProposePresentation{
		Type:    ProposePresentationMsgType,
		ID:      rec.ThreadID,
		Comment: params.Comment,
	}

	for formatID, doc := range params.Proposals {
		handler, err := m.handlerFor(formatID)
		if err != nil {
			return nil, nil, err
		}

		desc, attachment, err := handler.CreateProposal(ctx, rec, doc)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, fmt.Errorf("create proposal for format %s: %w", formatID, err)
		}

		proposal.Formats = append(proposal.Formats, desc)
		proposal.ProposalsAttach = append(proposal.ProposalsAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(proposal)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, "")

	rec.State = StateProposalSent
	rec.PresProposal = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceiveProposal records an inbound proposal on the verifier side.
func (m *Manager) ReceiveProposal(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	if existing, err := m.store.FindByThread(msg.ThreadID(), connectionID); err == nil {
		return nil, fmt.Errorf("%w: duplicate proposal on thread %s in state %s",
			ErrProtocolViolation, existing.ThreadID, existing.State)
	}

	rec := newRecord(connectionID, RoleVerifier, InitiatorExternal)
	rec.ThreadID = msg.ThreadID()
	rec.ParentThreadID = msg.ParentThreadID()

	proposal := &ProposePresentation{}
	if err := msg.Decode(proposal); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}

	for _, desc := range proposal.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, err
		}

		attachment, err := format.FindAttachment(desc.Format, proposal.Formats, proposal.ProposalsAttach)
		if err != nil {
			return nil, err
		}

		if err := handler.ReceiveProposal(ctx, rec, attachment); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, fmt.Errorf("receive proposal for format %s: %w", desc.Format, err)
		}
	}

	rec.State = StateProposalReceived
	rec.PresProposal = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// CreateRequest answers a received proposal with a presentation request.
func (m *Manager) CreateRequest(ctx context.Context, rec *ExchangeRecord,
	params *RequestParams) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StateProposalReceived); err != nil {
		return nil, nil, err
	}

	return m.buildRequest(ctx, rec, params)
}

// CreateFreeRequest starts a verifier-initiated exchange, including the
// connectionless case where the request travels out of band and the record
// is keyed by thread id alone.
func (m *Manager) CreateFreeRequest(ctx context.Context, connectionID string,
	params *RequestParams) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	rec := newRecord(connectionID, RoleVerifier, InitiatorSelf)

	return m.buildRequest(ctx, rec, params)
}

func (m *Manager) buildRequest(ctx context.Context, rec *ExchangeRecord,
	params *RequestParams) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	rec.WillConfirm = params.WillConfirm
	rec.AutoRemove = rec.AutoRemove || params.AutoRemove

	request := &RequestPresentation{
		Type:        RequestPresentationMsgType,
		ID:          uuid.New().String(),
		Comment:     params.Comment,
		WillConfirm: params.WillConfirm,
	}

	for formatID, doc := range params.Requests {
		handler, err := m.handlerFor(formatID)
		if err != nil {
			return nil, nil, err
		}

		desc, attachment, err := handler.CreateRequest(ctx, rec, doc)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("create request for format %s: %w", formatID, err))
		}

		request.Formats = append(request.Formats, desc)
		request.RequestsAttach = append(request.RequestsAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(request)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, rec.ParentThreadID)

	rec.State = StateRequestSent
	rec.PresRequest = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceiveRequest records an inbound presentation request on the prover
// side, creating the record when the request opens the exchange.
func (m *Manager) ReceiveRequest(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	request := &RequestPresentation{}
	if err := msg.Decode(request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		rec = newRecord(connectionID, RoleProver, InitiatorExternal)
		rec.ThreadID = msg.ThreadID()
		rec.ParentThreadID = msg.ParentThreadID()
	} else if err := rec.requireState(StateProposalSent); err != nil {
		return nil, err
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
	rec.PresRequest = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// CreatePresentation builds the proof for a received request. A nil
// requestedCredentials lets each format select credentials itself.
func (m *Manager) CreatePresentation(ctx context.Context, rec *ExchangeRecord,
	requestedCredentials map[string]interface{}) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StateRequestReceived); err != nil {
		return nil, nil, err
	}

	request := &RequestPresentation{}
	if err := rec.PresRequest.Decode(request); err != nil {
		return nil, nil, fmt.Errorf("decode stored request: %w", err)
	}

	presentation := &Presentation{
		Type:   PresentationMsgType,
		ID:     uuid.New().String(),
		Thread: &decorator.Thread{ID: rec.ThreadID},
	}

	for _, desc := range request.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, nil, err
		}

		presDesc, attachment, err := handler.CreatePresentation(ctx, rec, requestedCredentials)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("create presentation for format %s: %w", desc.Format, err))
		}

		presentation.Formats = append(presentation.Formats, presDesc)
		presentation.PresentationsAttach = append(presentation.PresentationsAttach, *attachment)
	}

	msg, err := service.NewDIDCommMsgMap(presentation)
	if err != nil {
		return nil, nil, err
	}

	msg.SetThread(rec.ThreadID, rec.ParentThreadID)

	rec.State = StatePresentationSent
	rec.Presentation = msg

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

// ReceivePresentation records an inbound presentation on the verifier side.
// Format handlers validate the proof against the request and any earlier
// proposal on the thread; a mismatch is a protocol violation and the
// success state is not saved.
func (m *Manager) ReceivePresentation(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil && connectionID != "" {
		// Out-of-band presentations answer a connectionless request.
		rec, err = m.store.FindByThread(msg.ThreadID(), "")
	}

	if err != nil {
		return nil, err
	}

	if err := rec.requireState(StateRequestSent); err != nil {
		return nil, err
	}

	presentation := &Presentation{}
	if err := msg.Decode(presentation); err != nil {
		return nil, fmt.Errorf("decode presentation: %w", err)
	}

	rec.Presentation = msg

	for _, desc := range presentation.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, err
		}

		attachment, err := format.FindAttachment(desc.Format, presentation.Formats, presentation.PresentationsAttach)
		if err != nil {
			return nil, err
		}

		if err := handler.ReceivePresentation(ctx, rec, attachment); err != nil &&
			!errors.Is(err, format.ErrCapability) {
			return nil, fmt.Errorf("receive presentation for format %s: %w", desc.Format, err)
		}
	}

	rec.State = StatePresentationReceived

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// VerifyPresentation verifies a received presentation, completes the
// exchange and, when the request promised confirmation, returns the ack to
// send. Every format must verify for the outcome to be true.
func (m *Manager) VerifyPresentation(ctx context.Context,
	rec *ExchangeRecord) (*ExchangeRecord, service.DIDCommMsgMap, error) {
	if err := rec.requireState(StatePresentationReceived); err != nil {
		return nil, nil, err
	}

	presentation := &Presentation{}
	if err := rec.Presentation.Decode(presentation); err != nil {
		return nil, nil, fmt.Errorf("decode stored presentation: %w", err)
	}

	verified := true

	for _, desc := range presentation.Formats {
		handler, err := m.handlerFor(desc.Format)
		if err != nil {
			return nil, nil, err
		}

		ok, err := handler.VerifyPresentation(ctx, rec)
		if errors.Is(err, format.ErrCapability) {
			continue
		}

		if err != nil {
			return nil, nil, m.abandon(ctx, rec, fmt.Errorf("verify presentation for format %s: %w", desc.Format, err))
		}

		verified = verified && ok
	}

	rec.Verified = VerifiedFalse
	if verified {
		rec.Verified = VerifiedTrue
	}

	rec.State = StateDone

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, nil, err
	}

	var msg service.DIDCommMsgMap

	if rec.WillConfirm {
		ack := &model.Ack{
			Type:   AckMsgType,
			ID:     uuid.New().String(),
			Status: model.AckStatusOK,
			Thread: &decorator.Thread{ID: rec.ThreadID},
		}

		var err error

		msg, err = service.NewDIDCommMsgMap(ack)
		if err != nil {
			return nil, nil, err
		}
	}

	m.autoRemove(rec)

	return rec, msg, nil
}

// ReceiveAck completes the exchange on the prover side.
func (m *Manager) ReceiveAck(ctx context.Context, connectionID string,
	msg service.DIDCommMsgMap) (*ExchangeRecord, error) {
	rec, err := m.store.FindByThread(msg.ThreadID(), connectionID)
	if err != nil {
		return nil, err
	}

	if err := rec.requireState(StatePresentationSent); err != nil {
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
		Description: model.Code{Code: "presentation-abandoned", Comment: reason},
		Thread:      &decorator.Thread{ID: rec.ThreadID},
	}

	msg, err := service.NewDIDCommMsgMap(report)
	if err != nil {
		return nil, nil, err
	}

	return rec, msg, nil
}

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
