/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package dispatcher

import (
	"context"
	"fmt"

	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
)

// replyResponder answers one inbound message: it remembers the delivery
// session and sender key so handlers can reply without transport knowledge.
type replyResponder struct {
	receipt *service.Receipt
	connID  string
	send    service.SendOutbound
}

func newResponder(receipt *service.Receipt, connID string, send service.SendOutbound) *replyResponder {
	return &replyResponder{receipt: receipt, connID: connID, send: send}
}

func (r *replyResponder) SendReply(ctx context.Context, msg service.DIDCommMsgMap) error {
	out := &service.OutboundMessage{
		Message:        msg,
		ReplySessionID: r.receipt.SessionID,
		ReplyToKey:     r.receipt.SenderKey,
		ConnectionID:   r.connID,
	}

	if err := r.send(ctx, out); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	return nil
}

func (r *replyResponder) Send(ctx context.Context, msg service.DIDCommMsgMap,
	targets ...*service.Destination) error {
	out := &service.OutboundMessage{
		Message:      msg,
		ConnectionID: r.connID,
		Targets:      targets,
	}

	if err := r.send(ctx, out); err != nil {
		return fmt.Errorf("send to explicit targets: %w", err)
	}

	return nil
}
