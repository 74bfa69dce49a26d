package link_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/cloud/link"
	"github.com/aosedge/aos_communicationmanager/internal/message"
)

type fakeDiscoverer struct {
	url string
}

func (f fakeDiscoverer) Discover(context.Context) (link.Result, error) {
	return link.Result{URL: f.url, NextRequestDelay: 5 * time.Second}, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	recv chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan []byte, 16)}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, data)
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) Recv() ([]byte, error) {
	data, ok := <-t.recv
	if !ok {
		return nil, context.Canceled
	}

	return data, nil
}

func (t *fakeTransport) Close() error {
	return nil
}

type fakeDialer struct {
	transport *fakeTransport
}

func (d fakeDialer) Dial(context.Context, string) (link.Transport, error) {
	return d.transport, nil
}

type recordingListener struct {
	mu        sync.Mutex
	connected int
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *recordingListener) OnDisconnected() {}

func TestLinkConnectsAndNotifiesListener(t *testing.T) {
	transport := newFakeTransport()
	l := link.New(link.Config{
		Discoverer: fakeDiscoverer{url: "wss://cloud.example"},
		Dialer:     fakeDialer{transport: transport},
		SystemID:   "cm-1",
	})

	listener := &recordingListener{}
	l.Subscribe(listener)

	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.State() == link.Connected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()

		return listener.connected == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
}

func TestRetryStopsAfterFourWireAppearances(t *testing.T) {
	transport := newFakeTransport()
	l := link.New(link.Config{
		Discoverer:      fakeDiscoverer{url: "wss://cloud.example"},
		Dialer:          fakeDialer{transport: transport},
		SystemID:        "cm-1",
		ResponseTimeout: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.State() == link.Connected
	}, time.Second, 5*time.Millisecond)

	env, err := message.New(7, "cm-1", message.TypeRequestLog, struct{}{})
	require.NoError(t, err)

	require.NoError(t, l.Enqueue(ctx, env))

	countAppearances := func() int {
		transport.mu.Lock()
		defer transport.mu.Unlock()

		n := 0
		for _, sent := range transport.sent {
			decoded, err := message.Decode(sent)
			if err == nil && decoded.Header.Txn == env.Header.Txn {
				n++
			}
		}

		return n
	}

	require.Eventually(t, func() bool {
		return countAppearances() == 4
	}, time.Second, 5*time.Millisecond)

	// Give the retry loop several more ticks' worth of time; the count
	// must not grow past the 4-appearance budget (1 initial + 3 resends).
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 4, countAppearances())
}

type recordingHandler struct {
	mu       sync.Mutex
	received []message.Envelope
}

func (h *recordingHandler) HandleMessage(env message.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, env)
}

func TestRegisterHandlerDeliversUnhandledInbound(t *testing.T) {
	transport := newFakeTransport()
	l := link.New(link.Config{
		Discoverer: fakeDiscoverer{url: "wss://cloud.example"},
		Dialer:     fakeDialer{transport: transport},
		SystemID:   "cm-1",
	})

	handler := &recordingHandler{}
	l.RegisterHandler(message.TypeDesiredStatus, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.State() == link.Connected
	}, time.Second, 5*time.Millisecond)

	env, err := message.New(7, "cloud", message.TypeDesiredStatus, struct{}{})
	require.NoError(t, err)

	wire, err := message.Encode(env)
	require.NoError(t, err)

	transport.recv <- wire

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()

		return len(handler.received) == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	require.Equal(t, env.Header.Txn, handler.received[0].Header.Txn)
	handler.mu.Unlock()
}

func TestUnregisteredMessageTypeIsDroppedNotPanicked(t *testing.T) {
	transport := newFakeTransport()
	l := link.New(link.Config{
		Discoverer: fakeDiscoverer{url: "wss://cloud.example"},
		Dialer:     fakeDialer{transport: transport},
		SystemID:   "cm-1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.State() == link.Connected
	}, time.Second, 5*time.Millisecond)

	env, err := message.New(7, "cloud", message.TypeNewState, struct{}{})
	require.NoError(t, err)

	wire, err := message.Encode(env)
	require.NoError(t, err)

	transport.recv <- wire

	// No handler is registered for newState; the link must still ack it
	// rather than hang or crash.
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()

		for _, sent := range transport.sent {
			decoded, err := message.Decode(sent)
			if err == nil && decoded.Data.MessageType == message.TypeAck && decoded.Header.Txn == env.Header.Txn {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueSendsAckOnInboundNonAck(t *testing.T) {
	transport := newFakeTransport()
	l := link.New(link.Config{
		Discoverer: fakeDiscoverer{url: "wss://cloud.example"},
		Dialer:     fakeDialer{transport: transport},
		SystemID:   "cm-1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.State() == link.Connected
	}, time.Second, 5*time.Millisecond)

	env, err := message.New(7, "cloud", message.TypeRequestLog, struct{}{})
	require.NoError(t, err)

	wire, err := message.Encode(env)
	require.NoError(t, err)

	transport.recv <- wire

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()

		for _, sent := range transport.sent {
			decoded, err := message.Decode(sent)
			if err == nil && decoded.Data.MessageType == message.TypeAck && decoded.Header.Txn == env.Header.Txn {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)
}
