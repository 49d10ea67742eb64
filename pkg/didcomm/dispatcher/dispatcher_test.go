/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/verifiableworks/agent-core/pkg/common/taskqueue"
	"github.com/verifiableworks/agent-core/pkg/didcomm/model"
	"github.com/verifiableworks/agent-core/pkg/didcomm/registry"
	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
	mockprovider "github.com/verifiableworks/agent-core/pkg/mock/provider"
	"github.com/verifiableworks/agent-core/pkg/store/connection"
)

const pingType = "https://didcomm.org/test-protocol/1.0/ping"

type pingMessage struct {
	Type    string `json:"@type"`
	ID      string `json:"@id"`
	Comment string `json:"comment"`
}

type outboundRecorder struct {
	mu       sync.Mutex
	messages []*service.OutboundMessage
}

func (r *outboundRecorder) send(ctx context.Context, msg *service.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)

	return nil
}

func (r *outboundRecorder) all() []*service.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*service.OutboundMessage{}, r.messages...)
}

type fixture struct {
	dispatcher *Dispatcher
	queue      *taskqueue.Queue
	connStore  *connection.Store
	outbound   *outboundRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Definition{
		DocURI:              "https://didcomm.org",
		Protocol:            "test-protocol",
		MajorVersion:        1,
		CurrentMinorVersion: 0,
	}, map[string]registry.MessageClass{
		"ping": func() interface{} { return &pingMessage{} },
	}))

	connStore, err := connection.NewStore(&mockprovider.Provider{StorageProviderValue: mem.NewProvider()})
	require.NoError(t, err)

	queue := taskqueue.New(5, nil)

	d := New(&mockprovider.Provider{
		MessageRegistryValue: reg,
		ConnectionStoreValue: connStore,
		TaskQueueValue:       queue,
	})

	return &fixture{
		dispatcher: d,
		queue:      queue,
		connStore:  connStore,
		outbound:   &outboundRecorder{},
	}
}

// flush waits out every enqueued handling task.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.queue.Shutdown(5*time.Second))
}

func TestDispatch(t *testing.T) {
	t.Run("routes a valid message to its handler", func(t *testing.T) {
		f := newFixture(t)

		var (
			mu       sync.Mutex
			received *service.RequestContext
		)

		f.dispatcher.RegisterHandler(pingType,
			func(ctx context.Context, reqCtx *service.RequestContext, responder service.Responder) error {
				mu.Lock()
				received = reqCtx
				mu.Unlock()

				return nil
			})

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{"@type": "` + pingType + `", "@id": "msg-1", "comment": "hi"}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)

		f.flush(t)

		mu.Lock()
		defer mu.Unlock()

		require.NotNil(t, received)
		require.Equal(t, pingType, received.MessageType)
		require.Equal(t, "msg-1", received.Message.ID())
		require.Nil(t, received.Connection)
		require.False(t, received.ConnectionReady)
		require.Empty(t, f.outbound.all())
	})

	t.Run("negotiates the minor version down to the registered handler", func(t *testing.T) {
		f := newFixture(t)

		var handled int32

		var mu sync.Mutex

		f.dispatcher.RegisterHandler(pingType,
			func(ctx context.Context, reqCtx *service.RequestContext, responder service.Responder) error {
				mu.Lock()
				handled++
				mu.Unlock()

				return nil
			})

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{"@type": "https://didcomm.org/test-protocol/1.7/ping", "@id": "msg-1"}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)

		f.flush(t)

		mu.Lock()
		defer mu.Unlock()
		require.EqualValues(t, 1, handled)
	})

	t.Run("handling survives cancellation of the ingestion context", func(t *testing.T) {
		f := newFixture(t)

		cancelled := make(chan struct{})
		taskErr := make(chan error, 1)

		f.dispatcher.RegisterHandler(pingType,
			func(ctx context.Context, reqCtx *service.RequestContext, responder service.Responder) error {
				<-cancelled
				taskErr <- ctx.Err()

				return nil
			})

		ctx, cancel := context.WithCancel(context.Background())

		f.dispatcher.Dispatch(ctx, &service.Envelope{
			Payload: []byte(`{"@type": "` + pingType + `", "@id": "msg-1"}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)

		// The transport tears its per-request context down as soon as
		// Dispatch returns.
		cancel()
		close(cancelled)

		require.NoError(t, <-taskErr)
		f.flush(t)
	})

	t.Run("binds the connection by sender key", func(t *testing.T) {
		f := newFixture(t)

		senderKey := []byte("sender-ver-key")

		require.NoError(t, f.connStore.SaveRecord(&connection.Record{
			ConnectionID:  "conn-1",
			State:         "completed",
			RecipientKeys: []string{base58.Encode(senderKey)},
		}))

		var (
			mu       sync.Mutex
			received *service.RequestContext
		)

		f.dispatcher.RegisterHandler(pingType,
			func(ctx context.Context, reqCtx *service.RequestContext, responder service.Responder) error {
				mu.Lock()
				received = reqCtx
				mu.Unlock()

				return nil
			})

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{"@type": "` + pingType + `", "@id": "msg-1"}`),
			Receipt: &service.Receipt{SenderKey: senderKey},
		}, f.outbound.send)

		f.flush(t)

		mu.Lock()
		defer mu.Unlock()

		require.NotNil(t, received.Connection)
		require.Equal(t, "conn-1", received.ConnectionID())
		require.True(t, received.ConnectionReady)
	})
}

func TestDispatchParseFailure(t *testing.T) {
	t.Run("answers an unknown type with a problem report on the same thread", func(t *testing.T) {
		f := newFixture(t)

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{
				"@type": "https://didcomm.org/mystery/1.0/riddle",
				"@id": "msg-1",
				"~thread": {"thid": "thread-9"}
			}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)

		f.flush(t)

		sent := f.outbound.all()
		require.Len(t, sent, 1)

		report := &model.ProblemReport{}
		require.NoError(t, sent[0].Message.Decode(report))
		require.Equal(t, model.ProblemReportMsgType, report.Type)
		require.Equal(t, model.CodeMessageParseFailure, report.Description.Code)
		require.NotEmpty(t, report.Description.Comment)
		require.NotNil(t, report.Thread)
		require.Equal(t, "thread-9", report.Thread.ID)
	})

	t.Run("prefers the receipt thread id", func(t *testing.T) {
		f := newFixture(t)

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`not even json`),
			Receipt: &service.Receipt{ThreadID: "receipt-thread"},
		}, f.outbound.send)

		f.flush(t)

		sent := f.outbound.all()
		require.Len(t, sent, 1)

		report := &model.ProblemReport{}
		require.NoError(t, sent[0].Message.Decode(report))
		require.Equal(t, "receipt-thread", report.Thread.ID)
	})

	t.Run("answers an untyped message with a problem report", func(t *testing.T) {
		f := newFixture(t)

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{"@id": "msg-1"}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)

		f.flush(t)

		require.Len(t, f.outbound.all(), 1)
	})

	t.Run("drops an unparseable problem report", func(t *testing.T) {
		f := newFixture(t)

		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{"@type": "https://didcomm.org/notification/1.0/problem-report", "@id": "msg-1"}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)

		f.flush(t)

		require.Empty(t, f.outbound.all())
	})
}

func TestDispatchUnhandledType(t *testing.T) {
	// A resolvable message with no registered handler fails inside the task,
	// never at the transport boundary.
	f := newFixture(t)

	require.NotPanics(t, func() {
		f.dispatcher.Dispatch(context.Background(), &service.Envelope{
			Payload: []byte(`{"@type": "` + pingType + `", "@id": "msg-1"}`),
			Receipt: &service.Receipt{},
		}, f.outbound.send)
	})

	f.flush(t)
	require.Empty(t, f.outbound.all())
}

func TestCompleted(t *testing.T) {
	d := &Dispatcher{}

	require.NotPanics(t, func() {
		d.Completed(taskqueue.CompletedTask{Ident: "t/ok"})
		d.Completed(taskqueue.CompletedTask{Ident: "t/fail", Err: errors.New("boom")})
		d.Completed(taskqueue.CompletedTask{Ident: "t/expected", Err: expectedTestError{}})
	})
}

type expectedTestError struct{}

func (expectedTestError) Error() string  { return "expected" }
func (expectedTestError) Expected() bool { return true }
