/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"context"

	"github.com/verifiableworks/agent-core/pkg/didcomm/dispatcher"
	"github.com/verifiableworks/agent-core/pkg/didcomm/model"
	"github.com/verifiableworks/agent-core/pkg/didcomm/registry"
	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
)

// Options control the automatic responses applied to inbound messages.
type Options struct {
	// AutoOffer answers every received proposal with an offer.
	AutoOffer bool
	// AutoIssue answers every received request with the credential.
	AutoIssue bool
	// AutoRemove deletes exchange records once they reach done.
	AutoRemove bool
	// HolderDID is the DID credential requests are bound to.
	HolderDID string
}

// Service exposes the protocol to the dispatcher: message classes for the
// registry and one handler per inbound message type.
type Service struct {
	mgr  *Manager
	opts Options
}

// NewService wraps a manager for dispatcher registration.
func NewService(mgr *Manager, opts Options) *Service {
	return &Service{mgr: mgr, opts: opts}
}

// Register announces the protocol's message classes to the registry and its
// handlers to the dispatcher.
func (s *Service) Register(reg *registry.Registry, disp *dispatcher.Dispatcher) error {
	err := reg.Register(registry.Definition{
		DocURI:              DocURI,
		Protocol:            ProtocolName,
		MajorVersion:        MajorVersion,
		CurrentMinorVersion: CurrentMinorVersion,
		MinimumMinorVersion: MinimumMinorVersion,
	}, map[string]registry.MessageClass{
		"propose-credential": func() interface{} { return &ProposeCredential{} },
		"offer-credential":   func() interface{} { return &OfferCredential{} },
		"request-credential": func() interface{} { return &RequestCredential{} },
		"issue-credential":   func() interface{} { return &IssueCredential{} },
		"ack":                func() interface{} { return &model.Ack{} },
		"problem-report":     func() interface{} { return &model.ProblemReport{} },
	})
	if err != nil {
		return err
	}

	disp.RegisterHandler(ProposeCredentialMsgType, s.HandleProposal)
	disp.RegisterHandler(OfferCredentialMsgType, s.HandleOffer)
	disp.RegisterHandler(RequestCredentialMsgType, s.HandleRequest)
	disp.RegisterHandler(IssueCredentialMsgType, s.HandleCredential)
	disp.RegisterHandler(AckMsgType, s.HandleAck)
	disp.RegisterHandler(ProblemReportMsgType, s.HandleProblemReport)

	return nil
}

// HandleProposal records an inbound proposal and, when auto-offer is on,
// immediately answers with an offer. An auto-offer failure degrades to "no
// further action": the record stays in proposal-received for an operator.
func (s *Service) HandleProposal(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	rec, err := s.mgr.ReceiveProposal(ctx, reqCtx.ConnectionID(), reqCtx.Message)
	if err != nil {
		return err
	}

	rec.AutoOffer = rec.AutoOffer || s.opts.AutoOffer
	if !rec.AutoOffer {
		return nil
	}

	rec, offer, err := s.mgr.CreateOffer(ctx, rec, "")
	if err != nil {
		logger.Warnf("auto-offer for record failed, awaiting operator: %v", err)
		return nil
	}

	return responder.SendReply(ctx, offer)
}

// HandleOffer records an inbound offer. Requesting the credential is an
// explicit holder action.
func (s *Service) HandleOffer(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	_, err := s.mgr.ReceiveOffer(ctx, reqCtx.ConnectionID(), reqCtx.Message)

	return err
}

// HandleRequest records an inbound credential request and, when the record
// or service has auto-issue on, signs and sends the credential.
func (s *Service) HandleRequest(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	rec, err := s.mgr.ReceiveRequest(ctx, reqCtx.ConnectionID(), reqCtx.Message)
	if err != nil {
		return err
	}

	if !s.opts.AutoIssue && !rec.AutoIssue {
		return nil
	}

	rec, issue, err := s.mgr.IssueCredential(ctx, rec, "")
	if err != nil {
		logger.Warnf("auto-issue for record failed, awaiting operator: %v", err)
		return nil
	}

	return responder.SendReply(ctx, issue)
}

// HandleCredential stores an inbound credential and acknowledges it.
func (s *Service) HandleCredential(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	rec, err := s.mgr.ReceiveCredential(ctx, reqCtx.ConnectionID(), reqCtx.Message)
	if err != nil {
		return err
	}

	rec.AutoRemove = rec.AutoRemove || s.opts.AutoRemove

	_, ack, err := s.mgr.StoreCredential(ctx, rec, "")
	if err != nil {
		return err
	}

	return responder.SendReply(ctx, ack)
}

// HandleAck completes the exchange on the issuer side.
func (s *Service) HandleAck(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	_, err := s.mgr.ReceiveAck(ctx, reqCtx.ConnectionID(), reqCtx.Message)

	return err
}

// HandleProblemReport abandons the exchange with the peer's reason.
func (s *Service) HandleProblemReport(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	_, err := s.mgr.ReceiveProblemReport(ctx, reqCtx.ConnectionID(), reqCtx.Message)

	return err
}
