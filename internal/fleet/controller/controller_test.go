package controller_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/fleet/controller"
	"github.com/aosedge/aos_communicationmanager/rpc/smfleet"
)

type fakeStream struct {
	ctx context.Context

	mu   sync.Mutex
	in   []*smfleet.SMOutgoingMessages
	out  []*smfleet.SMIncomingMessages
	sent chan *smfleet.SMIncomingMessages
}

func newFakeStream(ctx context.Context, in ...*smfleet.SMOutgoingMessages) *fakeStream {
	return &fakeStream{ctx: ctx, in: in, sent: make(chan *smfleet.SMIncomingMessages, 16)}
}

func (s *fakeStream) Recv() (*smfleet.SMOutgoingMessages, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.in) == 0 {
		<-s.ctx.Done()

		return nil, io.EOF
	}

	msg := s.in[0]
	s.in = s.in[1:]

	return msg, nil
}

func (s *fakeStream) Send(msg *smfleet.SMIncomingMessages) error {
	s.sent <- msg
	return nil
}

func (s *fakeStream) Context() context.Context     { return s.ctx }
func (s *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SendHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SetTrailer(metadata.MD)        {}
func (s *fakeStream) SendMsg(interface{}) error     { return nil }
func (s *fakeStream) RecvMsg(interface{}) error     { return nil }

type fakeHandlers struct {
	mu       sync.Mutex
	nodeInfo string
}

func (h *fakeHandlers) OnNodeInfo(nodeID string, _ *smfleet.SMInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodeInfo = nodeID
}

func (h *fakeHandlers) OnUpdateInstancesStatus(string, *smfleet.UpdateInstancesStatus) {}
func (h *fakeHandlers) OnNodeInstancesStatus(string, *smfleet.NodeInstancesStatus)     {}
func (h *fakeHandlers) OnLog(string, *smfleet.LogData)                                {}
func (h *fakeHandlers) OnInstantMonitoring(string, *smfleet.InstantMonitoring)         {}
func (h *fakeHandlers) OnAlert(string, *smfleet.Alert)                                {}

type fakeBlobs struct{}

func (fakeBlobs) GetBlobsInfos(context.Context, []string) ([]smfleet.BlobInfo, error) {
	return []smfleet.BlobInfo{{Digest: "sha256:1", URL: "https://example/1"}}, nil
}

func TestRegisterSMLearnsNodeIDAndRoutesRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := &fakeHandlers{}
	ctrl := controller.New(handlers, fakeBlobs{})

	stream := newFakeStream(ctx, &smfleet.SMOutgoingMessages{SMInfo: &smfleet.SMInfo{NodeID: "node-1"}})

	go func() {
		_ = ctrl.RegisterSM(stream)
	}()

	require.Eventually(t, func() bool {
		handlers.mu.Lock()
		defer handlers.mu.Unlock()

		return handlers.nodeInfo == "node-1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.UpdateNetworks(ctx, "node-1", nil))

	select {
	case msg := <-stream.sent:
		require.NotNil(t, msg)
	case <-time.After(time.Second):
		t.Fatal("expected a pushed message")
	}
}

func TestFindSessionNotFound(t *testing.T) {
	ctrl := controller.New(&fakeHandlers{}, fakeBlobs{})

	err := ctrl.UpdateNetworks(context.Background(), "no-such-node", nil)
	require.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestStopWaitsForSessionsToDrain(t *testing.T) {
	ctx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()

	handlers := &fakeHandlers{}
	ctrl := controller.New(handlers, fakeBlobs{})

	stream := newFakeStream(ctx, &smfleet.SMOutgoingMessages{SMInfo: &smfleet.SMInfo{NodeID: "node-1"}})

	registered := make(chan struct{})
	go func() {
		close(registered)
		_ = ctrl.RegisterSM(stream)
	}()
	<-registered

	require.Eventually(t, func() bool {
		handlers.mu.Lock()
		defer handlers.mu.Unlock()

		return handlers.nodeInfo == "node-1"
	}, time.Second, 5*time.Millisecond)

	// The session's Recv only ever unblocks when the underlying stream's
	// own context ends (a real gRPC stream's Recv is tied to the stream's
	// transport, not to any child context a handler derives from it).
	// Stop's per-session cancel alone can't force that; Stop must still
	// block until the session actually drains once the stream does end.
	const drainDelay = 150 * time.Millisecond
	go func() {
		time.Sleep(drainDelay)
		cancelStream()
	}()

	start := time.Now()
	require.NoError(t, ctrl.Stop())
	elapsed := time.Since(start)

	require.GreaterOrEqualf(t, elapsed, drainDelay, "Stop returned after %s, before the stream's %s drain delay elapsed", elapsed, drainDelay)
}

func TestGetBlobsInfosDelegates(t *testing.T) {
	ctrl := controller.New(&fakeHandlers{}, fakeBlobs{})

	resp, err := ctrl.GetBlobsInfos(context.Background(), &smfleet.BlobsInfosRequest{Digests: []string{"sha256:1"}})
	require.NoError(t, err)
	require.Len(t, resp.Blobs, 1)
}
