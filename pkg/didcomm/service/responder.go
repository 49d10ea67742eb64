/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import "context"

// Destination is an explicit outbound target: a set of recipient keys and a
// service endpoint parsed out of a message or connection record.
type Destination struct {
	RecipientKeys   []string
	RoutingKeys     []string
	ServiceEndpoint string
}

// OutboundMessage is the unit handed to the transport layer for delivery.
type OutboundMessage struct {
	Message DIDCommMsgMap
	// ReplySessionID routes the message back over the inbound delivery
	// session, when the transport still holds it open.
	ReplySessionID string
	// ReplyToKey is the peer verification key the reply is addressed to.
	ReplyToKey []byte
	// ConnectionID is the bound connection, when one was resolved.
	ConnectionID string
	// Targets overrides connection-based routing with explicit destinations.
	Targets []*Destination
}

// SendOutbound delivers an outbound message. Implemented by the transport
// layer, outside this module.
type SendOutbound func(ctx context.Context, msg *OutboundMessage) error

// Responder lets protocol handlers answer an inbound message without
// re-resolving transport details. A responder is constructed per dispatch and
// bound to the inbound message's reply channel.
type Responder interface {
	// SendReply sends a protocol message back to the sender of the inbound
	// message that this responder is bound to.
	SendReply(ctx context.Context, msg DIDCommMsgMap) error

	// Send sends a protocol message to explicit targets, for flows where the
	// destination is parsed out of the inbound message rather than taken
	// from the connection.
	Send(ctx context.Context, msg DIDCommMsgMap, targets ...*Destination) error
}
