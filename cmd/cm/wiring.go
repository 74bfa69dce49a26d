package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/aosedge/aos_communicationmanager/internal/cloud/discovery"
	"github.com/aosedge/aos_communicationmanager/internal/cloud/link"
	"github.com/aosedge/aos_communicationmanager/internal/cloud/transport"
	"github.com/aosedge/aos_communicationmanager/internal/fanout"
	"github.com/aosedge/aos_communicationmanager/internal/fleet/controller"
	"github.com/aosedge/aos_communicationmanager/internal/iamclient"
	"github.com/aosedge/aos_communicationmanager/internal/message"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/manager"
	"github.com/aosedge/aos_communicationmanager/rpc/smfleet"
)

// discovererAdapter narrows discovery.Client to link.Discoverer: the two
// Result types carry the same fields but link deliberately doesn't import
// internal/cloud/discovery, so the conversion lives here instead.
type discovererAdapter struct {
	client *discovery.Client
}

func (d discovererAdapter) Discover(ctx context.Context) (link.Result, error) {
	r, err := d.client.Discover(ctx)
	if err != nil {
		return link.Result{}, err
	}

	return link.Result{URL: r.URL, NextRequestDelay: r.NextRequestDelay}, nil
}

// dialerAdapter narrows transport.Dial to link.Dialer. transport.Channel
// already satisfies link.Transport directly (same Send/Recv/Close shape),
// so no per-call wrapping is needed beyond supplying the current TLS
// config, read fresh on every dial so a cert rotation (C10) is picked up
// by the very next reconnect without restarting the process.
type dialerAdapter struct {
	credentials *iamclient.Credentials
}

func (d dialerAdapter) Dial(ctx context.Context, url string) (link.Transport, error) {
	return transport.Dial(ctx, url, d.credentials.Current())
}

// restartableLink adapts link.Link to certwatch.Restartable: Start builds a
// fresh Link (picking up the latest TLS credentials via dialerAdapter) and
// runs it in the background; Stop cancels that run and waits for it to
// exit. Listeners and message handlers registered before the first Start
// are replayed onto every subsequent Link instance, since certwatch
// recycles this across cert rotations (C10) rather than replacing it.
type restartableLink struct {
	newConfig func() link.Config

	mu        sync.Mutex
	current   *link.Link
	listeners []link.Listener
	handlers  map[message.Type]link.Handler
	cancel    context.CancelFunc
	done      chan struct{}
}

func newRestartableLink(newConfig func() link.Config) *restartableLink {
	return &restartableLink{newConfig: newConfig, handlers: make(map[message.Type]link.Handler)}
}

func (r *restartableLink) Subscribe(l link.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)
	if r.current != nil {
		r.current.Subscribe(l)
	}
}

// RegisterHandler proxies link.Link.RegisterHandler, replaying the
// registration onto every Link instance Start builds so a cert-rotation
// restart (C10) doesn't silently drop it.
func (r *restartableLink) RegisterHandler(msgType message.Type, h link.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[msgType] = h
	if r.current != nil {
		r.current.RegisterHandler(msgType, h)
	}
}

func (r *restartableLink) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := link.New(r.newConfig())
	for _, listener := range r.listeners {
		l.Subscribe(listener)
	}

	for msgType, h := range r.handlers {
		l.RegisterHandler(msgType, h)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.current = l
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)

		if err := l.Run(runCtx); err != nil && runCtx.Err() == nil {
			dlog.Errorf(ctx, "cloud link: %v", err)
		}
	}()

	return nil
}

func (r *restartableLink) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	return nil
}

func (r *restartableLink) Enqueue(ctx context.Context, env message.Envelope) error {
	r.mu.Lock()
	l := r.current
	r.mu.Unlock()

	if l == nil {
		return fmt.Errorf("cmd/cm: cloud link not started")
	}

	return l.Enqueue(ctx, env)
}

// notifierAdapter implements manager.Notifier by relaying a network update
// to the node's live SM session through the controller, per spec.md §4.4's
// "push the new subnet/VLAN/IP to the owning node" step.
type notifierAdapter struct {
	controller *controller.Controller
}

func (n notifierAdapter) PushNetworkUpdate(nodeID string, update manager.NetworkUpdate) error {
	ones, _ := update.Subnet.Mask.Size()

	params := smfleet.UpdateNetworkParameters{
		NetworkID: update.NetworkID,
		Subnet:    fmt.Sprintf("%s/%d", update.Subnet.IP.String(), ones),
		VlanID:    uint64(update.VlanID),
		IP:        update.IP.String(),
	}

	return n.controller.UpdateNetworks(context.Background(), nodeID, []smfleet.UpdateNetworkParameters{params})
}

// sessionHandlers implements session.Handlers, forwarding every demuxed SM
// frame to the shared outbound fanout (C11) so it reaches the cloud link in
// FIFO order alongside whatever else this unit is reporting.
type sessionHandlers struct {
	out *fanout.Fanout
}

func (h sessionHandlers) OnNodeInfo(nodeID string, info *smfleet.SMInfo) {
	dlog.Infof(context.Background(), "fleet: node %s connected (%s)", nodeID, info.NodeType)
}

func (h sessionHandlers) OnUpdateInstancesStatus(nodeID string, status *smfleet.UpdateInstancesStatus) {
	h.out.PushInstanceStatus(status)
}

func (h sessionHandlers) OnNodeInstancesStatus(nodeID string, status *smfleet.NodeInstancesStatus) {
	h.out.PushInstanceStatus(status)
}

func (h sessionHandlers) OnLog(nodeID string, log *smfleet.LogData) {
	h.out.PushLog(log)
}

func (h sessionHandlers) OnInstantMonitoring(nodeID string, m *smfleet.InstantMonitoring) {
	h.out.PushMonitoring(m)
}

func (h sessionHandlers) OnAlert(nodeID string, alert *smfleet.Alert) {
	h.out.PushAlert(alert)
}
