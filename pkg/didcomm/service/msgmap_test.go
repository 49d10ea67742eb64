/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDIDCommMsgMap(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		msg, err := ParseDIDCommMsgMap([]byte(`{
			"@type": "https://didcomm.org/issue-credential/2.0/offer-credential",
			"@id": "msg-1",
			"~thread": {"thid": "thread-1", "pthid": "parent-1"}
		}`))
		require.NoError(t, err)
		require.Equal(t, "https://didcomm.org/issue-credential/2.0/offer-credential", msg.Type())
		require.Equal(t, "msg-1", msg.ID())
		require.Equal(t, "thread-1", msg.ThreadID())
		require.Equal(t, "parent-1", msg.ParentThreadID())
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseDIDCommMsgMap([]byte("not json"))
		require.Error(t, err)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := ParseDIDCommMsgMap([]byte(`["a", "b"]`))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestDIDCommMsgMapThreadID(t *testing.T) {
	t.Run("falls back to message id without a thread decorator", func(t *testing.T) {
		msg := DIDCommMsgMap{"@id": "msg-1"}
		require.Equal(t, "msg-1", msg.ThreadID())
	})

	t.Run("falls back to message id on empty thid", func(t *testing.T) {
		msg := DIDCommMsgMap{"@id": "msg-1", "~thread": map[string]interface{}{"thid": ""}}
		require.Equal(t, "msg-1", msg.ThreadID())
	})

	t.Run("set thread replaces the decorator", func(t *testing.T) {
		msg := DIDCommMsgMap{"~thread": map[string]interface{}{"thid": "old", "pthid": "old-parent"}}
		msg.SetThread("new", "")
		require.Equal(t, "new", msg.ThreadID())
		require.Empty(t, msg.ParentThreadID())
	})
}

func TestDIDCommMsgMapClone(t *testing.T) {
	original := DIDCommMsgMap{"@id": "msg-1", "@type": "test"}

	clone := original.Clone()
	clone.SetID("msg-2")

	require.Equal(t, "msg-1", original.ID())
	require.Equal(t, "msg-2", clone.ID())

	require.Nil(t, DIDCommMsgMap(nil).Clone())
}

func TestDIDCommMsgMapDecode(t *testing.T) {
	type testMessage struct {
		Type    string `json:"@type"`
		ID      string `json:"@id"`
		Comment string `json:"comment"`
	}

	msg, err := NewDIDCommMsgMap(&testMessage{Type: "test-type", ID: "msg-1", Comment: "hello"})
	require.NoError(t, err)
	require.Equal(t, "test-type", msg.Type())

	decoded := &testMessage{}
	require.NoError(t, msg.Decode(decoded))
	require.Equal(t, "msg-1", decoded.ID)
	require.Equal(t, "hello", decoded.Comment)
}
