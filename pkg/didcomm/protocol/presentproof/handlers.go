/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package presentproof

import (
	"context"

	"github.com/verifiableworks/agent-core/pkg/didcomm/dispatcher"
	"github.com/verifiableworks/agent-core/pkg/didcomm/model"
	"github.com/verifiableworks/agent-core/pkg/didcomm/registry"
	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
)

// Options control the automatic responses applied to inbound messages.
type Options struct {
	// AutoPresent answers every received request with a presentation built
	// from wallet-selected credentials.
	AutoPresent bool
	// AutoVerify verifies every received presentation immediately.
	AutoVerify bool
	// AutoRemove deletes exchange records once they reach done.
	AutoRemove bool
}

// Service exposes the protocol to the dispatcher.
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
		"propose-presentation": func() interface{} { return &ProposePresentation{} },
		"request-presentation": func() interface{} { return &RequestPresentation{} },
		"presentation":         func() interface{} { return &Presentation{} },
		"ack":                  func() interface{} { return &model.Ack{} },
		"problem-report":       func() interface{} { return &model.ProblemReport{} },
	})
	if err != nil {
		return err
	}

	disp.RegisterHandler(ProposePresentationMsgType, s.HandleProposal)
	disp.RegisterHandler(RequestPresentationMsgType, s.HandleRequest)
	disp.RegisterHandler(PresentationMsgType, s.HandlePresentation)
	disp.RegisterHandler(AckMsgType, s.HandleAck)
	disp.RegisterHandler(ProblemReportMsgType, s.HandleProblemReport)

	return nil
}

// HandleProposal records an inbound proposal. Building the request is an
// explicit verifier action.
func (s *Service) HandleProposal(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	_, err := s.mgr.ReceiveProposal(ctx, reqCtx.ConnectionID(), reqCtx.Message)

	return err
}

// HandleRequest records an inbound presentation request and, when
// auto-present is on, immediately answers with a presentation built from
// wallet-selected credentials. An auto-present failure degrades to "no
// further action".
func (s *Service) HandleRequest(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	rec, err := s.mgr.ReceiveRequest(ctx, reqCtx.ConnectionID(), reqCtx.Message)
	if err != nil {
		return err
	}

	rec.AutoPresent = rec.AutoPresent || s.opts.AutoPresent
	if !rec.AutoPresent {
		return nil
	}

	rec, presentation, err := s.mgr.CreatePresentation(ctx, rec, nil)
	if err != nil {
		logger.Warnf("auto-present for record failed, awaiting operator: %v", err)
		return nil
	}

	return responder.SendReply(ctx, presentation)
}

// HandlePresentation records an inbound presentation and, when auto-verify
// is on, verifies it and sends the promised ack.
func (s *Service) HandlePresentation(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	rec, err := s.mgr.ReceivePresentation(ctx, reqCtx.ConnectionID(), reqCtx.Message)
	if err != nil {
		return err
	}

	if !s.opts.AutoVerify {
		return nil
	}

	rec.AutoRemove = rec.AutoRemove || s.opts.AutoRemove

	rec, ack, err := s.mgr.VerifyPresentation(ctx, rec)
	if err != nil {
		return err
	}

	if ack == nil {
		return nil
	}

	return responder.SendReply(ctx, ack)
}

// HandleAck completes the exchange on the prover side.
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
