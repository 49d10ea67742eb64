/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMessage struct{ name string }

func classFor(name string) MessageClass {
	return func() interface{} { return &fakeMessage{name: name} }
}

func TestParseMessageType(t *testing.T) {
	t.Run("standard identifier", func(t *testing.T) {
		parsed, err := ParseMessageType("https://didcomm.org/issue-credential/2.1/offer-credential")
		require.NoError(t, err)
		require.Equal(t, "https://didcomm.org", parsed.DocURI)
		require.Equal(t, "issue-credential", parsed.Protocol)
		require.Equal(t, 2, parsed.Major)
		require.Equal(t, 1, parsed.Minor)
		require.Equal(t, "offer-credential", parsed.Name)
	})

	t.Run("doc URI containing slashes", func(t *testing.T) {
		parsed, err := ParseMessageType("did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/present-proof/1.0/request-presentation")
		require.NoError(t, err)
		require.Equal(t, "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec", parsed.DocURI)
		require.Equal(t, "present-proof", parsed.Protocol)
	})

	t.Run("round trip", func(t *testing.T) {
		const original = "https://didcomm.org/present-proof/2.0/presentation"

		parsed, err := ParseMessageType(original)
		require.NoError(t, err)
		require.Equal(t, original, parsed.String())
	})

	t.Run("invalid identifiers", func(t *testing.T) {
		for _, messageType := range []string{
			"",
			"no-slashes",
			"https://didcomm.org/protocol/not-a-version/name",
			"https://didcomm.org/protocol/1/name",
			"https://didcomm.org/protocol/x.y/name",
		} {
			_, err := ParseMessageType(messageType)
			require.Error(t, err, "expected error for %q", messageType)
		}
	})
}

func TestRegistryResolve(t *testing.T) {
	newRegistry := func(t *testing.T) *Registry {
		t.Helper()

		r := New()

		require.NoError(t, r.Register(Definition{
			DocURI:              "https://didcomm.org",
			Protocol:            "test-protocol",
			MajorVersion:        1,
			CurrentMinorVersion: 1,
			MinimumMinorVersion: 1,
		}, map[string]MessageClass{"ping": classFor("ping-1.1")}))

		require.NoError(t, r.Register(Definition{
			DocURI:              "https://didcomm.org",
			Protocol:            "test-protocol",
			MajorVersion:        1,
			CurrentMinorVersion: 4,
			MinimumMinorVersion: 1,
		}, map[string]MessageClass{"ping": classFor("ping-1.4")}))

		return r
	}

	t.Run("exact match", func(t *testing.T) {
		class, resolvedType, err := newRegistry(t).Resolve("https://didcomm.org/test-protocol/1.4/ping")
		require.NoError(t, err)
		require.Equal(t, "https://didcomm.org/test-protocol/1.4/ping", resolvedType)
		require.Equal(t, "ping-1.4", class().(*fakeMessage).name)
	})

	t.Run("selects greatest registered minor not exceeding inbound", func(t *testing.T) {
		class, resolvedType, err := newRegistry(t).Resolve("https://didcomm.org/test-protocol/1.3/ping")
		require.NoError(t, err)
		require.Equal(t, "https://didcomm.org/test-protocol/1.1/ping", resolvedType)
		require.Equal(t, "ping-1.1", class().(*fakeMessage).name)
	})

	t.Run("degrades inbound minor above current", func(t *testing.T) {
		class, resolvedType, err := newRegistry(t).Resolve("https://didcomm.org/test-protocol/1.9/ping")
		require.NoError(t, err)
		require.Equal(t, "https://didcomm.org/test-protocol/1.4/ping", resolvedType)
		require.Equal(t, "ping-1.4", class().(*fakeMessage).name)
	})

	t.Run("rejects inbound minor below minimum", func(t *testing.T) {
		_, _, err := newRegistry(t).Resolve("https://didcomm.org/test-protocol/1.0/ping")
		require.ErrorIs(t, err, ErrMinorVersionNotSupported)
	})

	t.Run("a stricter later version does not shadow an earlier match", func(t *testing.T) {
		r := New()

		require.NoError(t, r.Register(Definition{
			DocURI:              "https://didcomm.org",
			Protocol:            "test-protocol",
			MajorVersion:        1,
			CurrentMinorVersion: 1,
			MinimumMinorVersion: 1,
		}, map[string]MessageClass{"ping": classFor("ping-1.1")}))

		require.NoError(t, r.Register(Definition{
			DocURI:              "https://didcomm.org",
			Protocol:            "test-protocol",
			MajorVersion:        1,
			CurrentMinorVersion: 4,
			MinimumMinorVersion: 3,
		}, map[string]MessageClass{"ping": classFor("ping-1.4")}))

		// Inbound 1.2 satisfies the first registration even though the
		// second demands at least 1.3.
		class, resolvedType, err := r.Resolve("https://didcomm.org/test-protocol/1.2/ping")
		require.NoError(t, err)
		require.Equal(t, "https://didcomm.org/test-protocol/1.1/ping", resolvedType)
		require.Equal(t, "ping-1.1", class().(*fakeMessage).name)

		// Below every minimum, the rejection still surfaces.
		_, _, err = r.Resolve("https://didcomm.org/test-protocol/1.0/ping")
		require.ErrorIs(t, err, ErrMinorVersionNotSupported)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		_, _, err := newRegistry(t).Resolve("https://didcomm.org/mystery/1.0/ping")
		require.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("unknown message name within protocol", func(t *testing.T) {
		_, _, err := newRegistry(t).Resolve("https://didcomm.org/test-protocol/1.4/pong")
		require.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("unknown major version", func(t *testing.T) {
		_, _, err := newRegistry(t).Resolve("https://didcomm.org/test-protocol/2.0/ping")
		require.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("malformed type", func(t *testing.T) {
		_, _, err := newRegistry(t).Resolve("garbage")
		require.ErrorIs(t, err, ErrUnknownMessageType)
	})

	t.Run("resolution is deterministic", func(t *testing.T) {
		r := newRegistry(t)

		_, first, err := r.Resolve("https://didcomm.org/test-protocol/1.3/ping")
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			_, again, err := r.Resolve("https://didcomm.org/test-protocol/1.3/ping")
			require.NoError(t, err)
			require.Equal(t, first, again)
		}
	})
}

func TestRegistryRegister(t *testing.T) {
	t.Run("missing protocol", func(t *testing.T) {
		err := New().Register(Definition{DocURI: "https://didcomm.org"}, nil)
		require.Error(t, err)
	})

	t.Run("minimum above current", func(t *testing.T) {
		err := New().Register(Definition{
			DocURI:              "https://didcomm.org",
			Protocol:            "test-protocol",
			MajorVersion:        1,
			CurrentMinorVersion: 0,
			MinimumMinorVersion: 2,
		}, nil)
		require.Error(t, err)
	})

	t.Run("re-registering a version extends its message set", func(t *testing.T) {
		r := New()

		def := Definition{
			DocURI:              "https://didcomm.org",
			Protocol:            "test-protocol",
			MajorVersion:        1,
			CurrentMinorVersion: 0,
		}

		require.NoError(t, r.Register(def, map[string]MessageClass{"ping": classFor("ping")}))
		require.NoError(t, r.Register(def, map[string]MessageClass{"pong": classFor("pong")}))

		_, _, err := r.Resolve("https://didcomm.org/test-protocol/1.0/ping")
		require.NoError(t, err)

		_, _, err = r.Resolve("https://didcomm.org/test-protocol/1.0/pong")
		require.NoError(t, err)
	})
}

func TestRegistryProtocols(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(Definition{
		DocURI:              "https://didcomm.org",
		Protocol:            "issue-credential",
		MajorVersion:        2,
		CurrentMinorVersion: 0,
	}, map[string]MessageClass{"offer-credential": classFor("offer"), "issue-credential": classFor("issue")}))

	require.NoError(t, r.Register(Definition{
		DocURI:              "https://didcomm.org",
		Protocol:            "present-proof",
		MajorVersion:        2,
		CurrentMinorVersion: 0,
	}, map[string]MessageClass{"request-presentation": classFor("request")}))

	require.Equal(t, []string{
		"https://didcomm.org/issue-credential/2.0",
		"https://didcomm.org/present-proof/2.0",
	}, r.Protocols())
}
