/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import "github.com/verifiableworks/agent-core/pkg/store/connection"

// RequestContext carries everything a message handler needs about one inbound
// message: the resolved message document, the delivery receipt, and the
// connection binding.
type RequestContext struct {
	// Message is the resolved inbound message document.
	Message DIDCommMsgMap
	// MessageType is the canonical (possibly version-degraded) type the
	// registry resolved the inbound type identifier to.
	MessageType string
	// Receipt is the inbound delivery metadata.
	Receipt *Receipt
	// Connection is the connection record matched against the sender key,
	// nil when the message arrived outside any connection.
	Connection *connection.Record
	// ConnectionReady reports whether Connection is set and completed.
	ConnectionReady bool
}

// ConnectionID returns the bound connection id, or an empty string for
// connectionless messages.
func (c *RequestContext) ConnectionID() string {
	if c.Connection == nil {
		return ""
	}

	return c.Connection.ConnectionID
}
