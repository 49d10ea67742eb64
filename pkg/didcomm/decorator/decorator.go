/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package decorator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Thread is the message threading decorator.
type Thread struct {
	ID  string `json:"thid,omitempty"`
	PID string `json:"pthid,omitempty"`
}

// Attachment is embedded data carried inside a protocol message, typically a
// format-specific payload referenced by a format descriptor's attach id.
type Attachment struct {
	ID          string         `json:"@id,omitempty"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mime-type,omitempty"`
	Data        AttachmentData `json:"data,omitempty"`
}

// AttachmentData contains the attachment payload, either inlined as JSON or
// base64-encoded.
type AttachmentData struct {
	Base64 string      `json:"base64,omitempty"`
	JSON   interface{} `json:"json,omitempty"`
}

// NewJSONAttachment returns an attachment with the given payload inlined as
// base64-encoded JSON, the encoding peers in the wild most commonly accept.
func NewJSONAttachment(id string, payload interface{}) (Attachment, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Attachment{}, fmt.Errorf("marshal attachment payload: %w", err)
	}

	return Attachment{
		ID:       id,
		MimeType: "application/json",
		Data:     AttachmentData{Base64: base64.StdEncoding.EncodeToString(raw)},
	}, nil
}

// Fetch returns the attachment payload as a generic document, decoding the
// base64 form when the JSON form is absent.
func (a *Attachment) Fetch() (map[string]interface{}, error) {
	if a.Data.JSON != nil {
		doc, ok := a.Data.JSON.(map[string]interface{})
		if !ok {
			raw, err := json.Marshal(a.Data.JSON)
			if err != nil {
				return nil, fmt.Errorf("marshal attachment json: %w", err)
			}

			doc = map[string]interface{}{}
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("attachment json is not an object: %w", err)
			}
		}

		return doc, nil
	}

	if a.Data.Base64 == "" {
		return nil, fmt.Errorf("attachment %s has no data", a.ID)
	}

	raw, err := base64.StdEncoding.DecodeString(a.Data.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode attachment base64: %w", err)
	}

	doc := map[string]interface{}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal attachment payload: %w", err)
	}

	return doc, nil
}
