package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/cloud/link"
	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/fleet/controller"
	"github.com/aosedge/aos_communicationmanager/internal/message"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/manager"
	"github.com/aosedge/aos_communicationmanager/rpc/smfleet"
)

type noopHandlers struct{}

func (noopHandlers) OnNodeInfo(string, *smfleet.SMInfo)                            {}
func (noopHandlers) OnUpdateInstancesStatus(string, *smfleet.UpdateInstancesStatus) {}
func (noopHandlers) OnNodeInstancesStatus(string, *smfleet.NodeInstancesStatus)     {}
func (noopHandlers) OnLog(string, *smfleet.LogData)                                {}
func (noopHandlers) OnInstantMonitoring(string, *smfleet.InstantMonitoring)         {}
func (noopHandlers) OnAlert(string, *smfleet.Alert)                                 {}

type noBlobs struct{}

func (noBlobs) GetBlobsInfos(context.Context, []string) ([]smfleet.BlobInfo, error) {
	return nil, nil
}

func TestNotifierAdapterPropagatesSessionNotFound(t *testing.T) {
	ctrl := controller.New(noopHandlers{}, noBlobs{})
	adapter := notifierAdapter{controller: ctrl}

	_, subnet, err := net.ParseCIDR("172.20.0.0/24")
	require.NoError(t, err)

	update := manager.NetworkUpdate{
		NetworkID: "net-1",
		Subnet:    *subnet,
		VlanID:    42,
		IP:        net.ParseIP("172.20.0.5"),
	}

	err = adapter.PushNetworkUpdate("node-that-does-not-exist", update)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestRestartableLinkEnqueueBeforeStartErrors(t *testing.T) {
	rl := newRestartableLink(func() link.Config { return link.Config{SystemID: "sys"} })

	env, err := message.New(7, "sys", message.TypeAlerts, map[string]string{"x": "1"})
	require.NoError(t, err)

	err = rl.Enqueue(context.Background(), env)
	require.Error(t, err)
}

func TestRestartableLinkStopBeforeStartIsNoop(t *testing.T) {
	rl := newRestartableLink(func() link.Config { return link.Config{SystemID: "sys"} })
	require.NoError(t, rl.Stop())
}

type fakeDiscoverer struct{ url string }

func (d fakeDiscoverer) Discover(context.Context) (link.Result, error) {
	return link.Result{URL: d.url, NextRequestDelay: 5 * time.Second}, nil
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	recv      chan []byte
	closeOnce sync.Once
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
	t.closeOnce.Do(func() { close(t.recv) })

	return nil
}

type fakeDialer struct{ transport *fakeTransport }

func (d fakeDialer) Dial(context.Context, string) (link.Transport, error) {
	return d.transport, nil
}

type recordingHandler struct {
	mu       sync.Mutex
	received int
}

func (h *recordingHandler) HandleMessage(message.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received++
}

// TestRestartableLinkReplaysHandlersAcrossRestart guards against the
// cert-rotation restart (C10) silently dropping a RegisterHandler
// registration made against an earlier Link instance: a handler registered
// before the first Start must still receive messages delivered by the Link
// built on a later Start.
func TestRestartableLinkReplaysHandlersAcrossRestart(t *testing.T) {
	firstTransport := newFakeTransport()
	secondTransport := newFakeTransport()
	transports := []*fakeTransport{firstTransport, secondTransport}

	rl := newRestartableLink(func() link.Config {
		transport := transports[0]
		transports = transports[1:]

		return link.Config{
			Discoverer: fakeDiscoverer{url: "wss://cloud.example"},
			Dialer:     fakeDialer{transport: transport},
			SystemID:   "cm-1",
		}
	})

	handler := &recordingHandler{}
	rl.RegisterHandler(message.TypeDesiredStatus, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rl.Start(ctx))
	require.NoError(t, rl.Stop())

	require.NoError(t, rl.Start(ctx))

	env, err := message.New(7, "cloud", message.TypeDesiredStatus, struct{}{})
	require.NoError(t, err)

	wire, err := message.Encode(env)
	require.NoError(t, err)

	secondTransport.recv <- wire

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()

		return handler.received == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rl.Stop())
}
