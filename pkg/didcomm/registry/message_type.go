/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageType is a parsed message type identifier of the form
// {doc-uri}/{protocol-name}/{major}.{minor}/{message-name}.
type MessageType struct {
	DocURI   string
	Protocol string
	Major    int
	Minor    int
	Name     string
}

// ParseMessageType parses a message type identifier string.
func ParseMessageType(messageType string) (MessageType, error) {
	tokens := strings.Split(messageType, "/")
	if len(tokens) < 4 {
		return MessageType{}, fmt.Errorf("invalid message type %q", messageType)
	}

	name := tokens[len(tokens)-1]
	version := tokens[len(tokens)-2]
	protocol := tokens[len(tokens)-3]
	docURI := strings.Join(tokens[:len(tokens)-3], "/")

	versionTokens := strings.Split(version, ".")
	if len(versionTokens) != 2 {
		return MessageType{}, fmt.Errorf("invalid protocol version %q in message type %q", version, messageType)
	}

	major, err := strconv.Atoi(versionTokens[0])
	if err != nil {
		return MessageType{}, fmt.Errorf("invalid major version in message type %q: %w", messageType, err)
	}

	minor, err := strconv.Atoi(versionTokens[1])
	if err != nil {
		return MessageType{}, fmt.Errorf("invalid minor version in message type %q: %w", messageType, err)
	}

	if protocol == "" || name == "" {
		return MessageType{}, fmt.Errorf("invalid message type %q", messageType)
	}

	return MessageType{
		DocURI:   docURI,
		Protocol: protocol,
		Major:    major,
		Minor:    minor,
		Name:     name,
	}, nil
}

// String reassembles the canonical type identifier.
func (t MessageType) String() string {
	return fmt.Sprintf("%s/%s/%d.%d/%s", t.DocURI, t.Protocol, t.Major, t.Minor, t.Name)
}
