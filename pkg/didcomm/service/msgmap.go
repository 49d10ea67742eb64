/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Common message document keys.
const (
	jsonType   = "@type"
	jsonID     = "@id"
	jsonThread = "~thread"
	jsonThID   = "thid"
	jsonPthID  = "pthid"
)

// ErrInvalidPayload is returned when an inbound payload is not a JSON object.
var ErrInvalidPayload = errors.New("payload is not a JSON object")

// DIDCommMsgMap is a generic, schema-less representation of a DIDComm message
// document. It is the form every inbound message takes before it is resolved
// to a concrete message type.
type DIDCommMsgMap map[string]interface{}

// ParseDIDCommMsgMap parses raw payload bytes into a DIDCommMsgMap.
func ParseDIDCommMsgMap(payload []byte) (DIDCommMsgMap, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse didcomm message: %w", err)
	}

	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, ErrInvalidPayload
	}

	return DIDCommMsgMap(doc), nil
}

// NewDIDCommMsgMap converts a concrete message struct into its generic map
// representation by round-tripping through JSON.
func NewDIDCommMsgMap(msg interface{}) (DIDCommMsgMap, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	m := DIDCommMsgMap{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	return m, nil
}

// Type returns the message type identifier or an empty string.
func (m DIDCommMsgMap) Type() string {
	return m.str(jsonType)
}

// ID returns the message id or an empty string.
func (m DIDCommMsgMap) ID() string {
	return m.str(jsonID)
}

// SetID sets the message id.
func (m DIDCommMsgMap) SetID(id string) {
	m[jsonID] = id
}

// SetType sets the message type identifier.
func (m DIDCommMsgMap) SetType(t string) {
	m[jsonType] = t
}

// ThreadID returns the message thread id, falling back to the message id when
// the thread decorator is absent. Per the threading RFC a message without an
// explicit thread starts a thread identified by its own id.
func (m DIDCommMsgMap) ThreadID() string {
	if thread, ok := m[jsonThread].(map[string]interface{}); ok {
		if thid, ok := thread[jsonThID].(string); ok && thid != "" {
			return thid
		}
	}

	return m.str(jsonID)
}

// ParentThreadID returns the parent thread id, if any.
func (m DIDCommMsgMap) ParentThreadID() string {
	if thread, ok := m[jsonThread].(map[string]interface{}); ok {
		if pthid, ok := thread[jsonPthID].(string); ok {
			return pthid
		}
	}

	return ""
}

// SetThread assigns a thread id (and optionally a parent thread id) to the
// message, replacing any existing thread decorator.
func (m DIDCommMsgMap) SetThread(thid, pthid string) {
	thread := map[string]interface{}{jsonThID: thid}
	if pthid != "" {
		thread[jsonPthID] = pthid
	}

	m[jsonThread] = thread
}

// Clone returns a shallow copy of the message map. Top-level mutation of the
// clone does not affect the original.
func (m DIDCommMsgMap) Clone() DIDCommMsgMap {
	if m == nil {
		return nil
	}

	clone := make(DIDCommMsgMap, len(m))
	for k, v := range m {
		clone[k] = v
	}

	return clone
}

// Decode populates a concrete message struct from the generic map using the
// struct's json tags.
func (m DIDCommMsgMap) Decode(v interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}

	if err := decoder.Decode(map[string]interface{}(m)); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	return nil
}

func (m DIDCommMsgMap) str(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}

	return ""
}
