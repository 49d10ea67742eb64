/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package dispatcher routes inbound message envelopes to registered protocol
// handlers: payload parsing, registry type resolution, connection binding,
// and admission onto the bounded task queue. Dispatch never returns an error
// to the transport layer; failures become an outbound problem report or a
// logged drop.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/verifiableworks/agent-core/pkg/common/taskqueue"
	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/model"
	"github.com/verifiableworks/agent-core/pkg/didcomm/registry"
	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
	"github.com/verifiableworks/agent-core/pkg/store/connection"
)

var logger = log.New("agent-core/dispatcher")

const (
	connLookupRetries = 2
	connLookupDelay   = 250 * time.Millisecond
)

// Handler processes one resolved inbound message.
type Handler func(ctx context.Context, reqCtx *service.RequestContext, responder service.Responder) error

// ExpectedError marks errors a handler surfaced to its caller through
// another channel; task completion logging treats them as expected rather
// than failures.
type ExpectedError interface {
	error
	Expected() bool
}

type provider interface {
	MessageRegistry() *registry.Registry
	ConnectionStore() *connection.Store
	TaskQueue() *taskqueue.Queue
}

// Dispatcher is the inbound entry point.
type Dispatcher struct {
	registry  *registry.Registry
	connStore *connection.Store
	queue     *taskqueue.Queue
	handlers  map[string]Handler
}

// New returns a Dispatcher using the provider's registry, connection store
// and task queue. Handlers are registered before the first envelope arrives.
func New(p provider) *Dispatcher {
	return &Dispatcher{
		registry:  p.MessageRegistry(),
		connStore: p.ConnectionStore(),
		queue:     p.TaskQueue(),
		handlers:  map[string]Handler{},
	}
}

// RegisterHandler binds a handler to a canonical message type. Later
// registrations for the same type replace earlier ones.
func (d *Dispatcher) RegisterHandler(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// Dispatch processes one inbound envelope. It parses and resolves the
// payload, binds the connection context, and enqueues the handling work,
// returning once the task is admitted. Parse failures are answered with a
// problem report on the same thread; a problem report that itself fails to
// parse is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope *service.Envelope, send service.SendOutbound) {
	parseFailed := false

	msg, msgType, err := d.parseMessage(envelope.Payload)
	if err != nil {
		if isProblemReportType(messageTypeOf(envelope.Payload)) {
			logger.Warnf("dropping unparseable problem report: %v", err)
			return
		}

		logger.Infof("inbound message parse failure, replying with problem report: %v", err)

		msg = d.buildParseFailureReport(envelope, err)
		msgType = model.ProblemReportMsgType
		parseFailed = true
	}

	conn := d.findConnection(ctx, envelope.Receipt)

	reqCtx := &service.RequestContext{
		Message:         msg,
		MessageType:     msgType,
		Receipt:         envelope.Receipt,
		Connection:      conn,
		ConnectionReady: conn != nil && conn.IsReady(),
	}

	responder := newResponder(envelope.Receipt, reqCtx.ConnectionID(), send)

	ident := fmt.Sprintf("%s/%s", msgType, msg.ID())

	// Handling outlives the transport request that delivered the envelope;
	// the queued task runs on a detached context.
	_, err = d.queue.Put(context.Background(), ident, func(taskCtx context.Context) error {
		if parseFailed {
			// The synthesized report is the reply itself, not a message to
			// handle locally.
			return responder.SendReply(taskCtx, reqCtx.Message)
		}

		return d.handleMessage(taskCtx, reqCtx, responder)
	})
	if err != nil {
		logger.Errorf("failed to enqueue inbound message %s: %v", ident, err)
	}
}

// Completed logs one finished handling task. It is the completion callback
// wired into the task queue at startup.
func (d *Dispatcher) Completed(task taskqueue.CompletedTask) {
	if task.Err != nil && !isExpected(task.Err) {
		logger.Errorf("task %s failed after queued %s, active %s: %v",
			task.Ident, task.QueuedDuration(), task.ActiveDuration(), task.Err)
		return
	}

	logger.Debugf("task %s completed, queued %s, active %s",
		task.Ident, task.QueuedDuration(), task.ActiveDuration())
}

// parseMessage deserializes the payload and resolves its type through the
// registry, validating the document against the registered message class.
func (d *Dispatcher) parseMessage(payload []byte) (service.DIDCommMsgMap, string, error) {
	msg, err := service.ParseDIDCommMsgMap(payload)
	if err != nil {
		return nil, "", err
	}

	if msg.Type() == "" {
		return nil, "", errors.New("message has no type identifier")
	}

	class, canonicalType, err := d.registry.Resolve(msg.Type())
	if err != nil {
		return nil, "", err
	}

	if err := msg.Decode(class()); err != nil {
		return nil, "", fmt.Errorf("message does not match %s: %w", canonicalType, err)
	}

	return msg, canonicalType, nil
}

func (d *Dispatcher) buildParseFailureReport(envelope *service.Envelope, cause error) service.DIDCommMsgMap {
	report := model.ProblemReport{
		Type: model.ProblemReportMsgType,
		ID:   uuid.New().String(),
		Description: model.Code{
			Code:    model.CodeMessageParseFailure,
			Comment: cause.Error(),
		},
	}

	threadID := envelope.Receipt.ThreadID
	if threadID == "" {
		if msg, err := service.ParseDIDCommMsgMap(envelope.Payload); err == nil {
			threadID = msg.ThreadID()
		}
	}

	if threadID != "" {
		report.Thread = &decorator.Thread{ID: threadID}
	}

	msg, err := service.NewDIDCommMsgMap(report)
	if err != nil {
		// ProblemReport marshals unconditionally.
		logger.Errorf("failed to build problem report: %v", err)
		return service.DIDCommMsgMap{}
	}

	return msg
}

// findConnection binds the sender key to a connection record. The record may
// be mid-write by a concurrent connection protocol task, so a missing record
// is retried briefly before the message proceeds connectionless.
func (d *Dispatcher) findConnection(ctx context.Context, receipt *service.Receipt) *connection.Record {
	if len(receipt.SenderKey) == 0 {
		return nil
	}

	verKey := base58.Encode(receipt.SenderKey)

	var rec *connection.Record

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connLookupDelay), connLookupRetries), ctx)

	err := backoff.Retry(func() error {
		var lookupErr error

		rec, lookupErr = d.connStore.GetRecordByKey(verKey)

		return lookupErr
	}, policy)
	if err != nil {
		if !errors.Is(err, connection.ErrConnectionNotFound) {
			logger.Errorf("connection lookup for key %s failed: %v", verKey, err)
		}

		return nil
	}

	return rec
}

func (d *Dispatcher) handleMessage(ctx context.Context, reqCtx *service.RequestContext,
	responder service.Responder) error {
	handler, ok := d.handlers[reqCtx.MessageType]
	if !ok {
		return fmt.Errorf("no handler registered for %s", reqCtx.MessageType)
	}

	return handler(ctx, reqCtx, responder)
}

func isProblemReportType(msgType string) bool {
	if msgType == "" {
		return false
	}

	parsed, err := registry.ParseMessageType(msgType)
	if err != nil {
		return strings.HasSuffix(msgType, "/"+model.ProblemReportMsgName)
	}

	return parsed.Name == model.ProblemReportMsgName
}

func messageTypeOf(payload []byte) string {
	msg, err := service.ParseDIDCommMsgMap(payload)
	if err != nil {
		return ""
	}

	return msg.Type()
}

func isExpected(err error) bool {
	var expected ExpectedError

	return errors.As(err, &expected) && expected.Expected()
}
