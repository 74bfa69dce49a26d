// Package controller implements C6: the SMService gRPC server, a registry
// of live per-node sessions, and the fleet-wide operations that address one
// node by id.
//
// Grounded on original_source's smcontroller/smcontroller.hpp (FindNode,
// OnConnect/OnDisconnect broadcast, Stop draining every handler) and the
// teacher's cmd/traffic/manager.go grpc.Server + health wiring.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/errgroup"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/fleet/session"
	"github.com/aosedge/aos_communicationmanager/rpc/smfleet"
)

// BlobInfoProvider resolves OCI blob digests to fetch URLs; GetBlobsInfos
// delegates to it verbatim.
type BlobInfoProvider interface {
	GetBlobsInfos(ctx context.Context, digests []string) ([]smfleet.BlobInfo, error)
}

// SessionHandlers is implemented by the owner of fleet state (typically
// the network manager + upstream fanout); the controller forwards demuxed
// per-session events to it, adding the originating node id.
type SessionHandlers = session.Handlers

// Metrics receives the live session count whenever it changes. A nil
// Metrics (the New default) leaves this a no-op.
type Metrics interface {
	SetSessionCount(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetSessionCount(int) {}

type liveSession struct {
	sess   *session.Session
	cancel context.CancelFunc
	nodeID string
}

// Controller is the SMService server.
type Controller struct {
	handlers SessionHandlers
	blobs    BlobInfoProvider
	metrics  Metrics

	mu       sync.Mutex
	byNodeID map[string]*liveSession
	all      map[*session.Session]*liveSession
	stopping bool
}

// New wires the collaborators needed to run SMService.
func New(handlers SessionHandlers, blobs BlobInfoProvider) *Controller {
	return &Controller{
		handlers: handlers,
		blobs:    blobs,
		metrics:  noopMetrics{},
		byNodeID: make(map[string]*liveSession),
		all:      make(map[*session.Session]*liveSession),
	}
}

// SetMetrics installs the metrics sink; call before serving traffic.
func (c *Controller) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = m
}

// RegisterSM implements smfleet.SMServiceServer. It blocks for the
// lifetime of the node's session.
func (c *Controller) RegisterSM(stream smfleet.SMService_RegisterSMServer) error {
	ctx := stream.Context()

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()

		return errkind.New(errkind.Unavailable, "controller: shutting down")
	}
	c.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := &liveSession{cancel: cancel}
	sess := session.New(stream, &nodeIDBindingHandlers{parent: c, entry: entry, inner: c.handlers}, 0)
	entry.sess = sess

	c.mu.Lock()
	c.all[sess] = entry
	c.metrics.SetSessionCount(len(c.all))
	c.mu.Unlock()

	err := sess.Run(sessCtx)

	c.mu.Lock()
	delete(c.all, sess)
	if entry.nodeID != "" && c.byNodeID[entry.nodeID] == entry {
		delete(c.byNodeID, entry.nodeID)
	}
	c.metrics.SetSessionCount(len(c.all))
	c.mu.Unlock()

	if err != nil {
		dlog.Errorf(ctx, "controller: session ended: %v", err)
	}

	return err
}

// nodeIDBindingHandlers wraps the configured Handlers so the controller can
// register a session's node id the moment its first SMInfo frame arrives,
// then forwards every event unchanged.
type nodeIDBindingHandlers struct {
	parent *Controller
	entry  *liveSession
	inner  SessionHandlers
}

func (h *nodeIDBindingHandlers) OnNodeInfo(nodeID string, info *smfleet.SMInfo) {
	h.parent.mu.Lock()
	h.entry.nodeID = nodeID
	h.parent.byNodeID[nodeID] = h.entry
	h.parent.mu.Unlock()

	h.inner.OnNodeInfo(nodeID, info)
}

func (h *nodeIDBindingHandlers) OnUpdateInstancesStatus(nodeID string, s *smfleet.UpdateInstancesStatus) {
	h.inner.OnUpdateInstancesStatus(nodeID, s)
}

func (h *nodeIDBindingHandlers) OnNodeInstancesStatus(nodeID string, s *smfleet.NodeInstancesStatus) {
	h.inner.OnNodeInstancesStatus(nodeID, s)
}

func (h *nodeIDBindingHandlers) OnLog(nodeID string, l *smfleet.LogData) {
	h.inner.OnLog(nodeID, l)
}

func (h *nodeIDBindingHandlers) OnInstantMonitoring(nodeID string, m *smfleet.InstantMonitoring) {
	h.inner.OnInstantMonitoring(nodeID, m)
}

func (h *nodeIDBindingHandlers) OnAlert(nodeID string, a *smfleet.Alert) {
	h.inner.OnAlert(nodeID, a)
}

// GetBlobsInfos implements smfleet.SMServiceServer.
func (c *Controller) GetBlobsInfos(ctx context.Context, req *smfleet.BlobsInfosRequest) (*smfleet.BlobsInfos, error) {
	blobs, err := c.blobs.GetBlobsInfos(ctx, req.Digests)
	if err != nil {
		return nil, err
	}

	return &smfleet.BlobsInfos{Blobs: blobs}, nil
}

func (c *Controller) findSession(nodeID string) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byNodeID[nodeID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("controller: no session for node %q", nodeID))
	}

	return entry.sess, nil
}

// UpdateNetworks pushes networks to nodeID's session.
func (c *Controller) UpdateNetworks(ctx context.Context, nodeID string, networks []smfleet.UpdateNetworkParameters) error {
	sess, err := c.findSession(nodeID)
	if err != nil {
		return err
	}

	return sess.Push(ctx, &smfleet.SMIncomingMessages{UpdateNetworks: networks})
}

// UpdateInstances pushes a start/stop instruction to nodeID's session.
func (c *Controller) UpdateInstances(ctx context.Context, nodeID string, start, stop []smfleet.InstanceInfo) error {
	sess, err := c.findSession(nodeID)
	if err != nil {
		return err
	}

	return sess.Push(ctx, &smfleet.SMIncomingMessages{StartInstances: start, StopInstances: stop})
}

// CheckNodeConfig requests config validation from nodeID and waits for its
// NodeConfigStatus response.
func (c *Controller) CheckNodeConfig(ctx context.Context, nodeID string, cfg *smfleet.NodeConfig) (*smfleet.NodeConfigStatus, error) {
	return c.requestNodeConfigStatus(ctx, nodeID, &smfleet.SMIncomingMessages{CheckNodeConfig: cfg})
}

// SetNodeConfig applies a node config and waits for its status.
func (c *Controller) SetNodeConfig(ctx context.Context, nodeID string, cfg *smfleet.NodeConfig) (*smfleet.NodeConfigStatus, error) {
	return c.requestNodeConfigStatus(ctx, nodeID, &smfleet.SMIncomingMessages{SetNodeConfig: cfg})
}

// GetNodeConfigStatus requests nodeID's current applied config status.
func (c *Controller) GetNodeConfigStatus(ctx context.Context, nodeID string) (*smfleet.NodeConfigStatus, error) {
	return c.requestNodeConfigStatus(ctx, nodeID, &smfleet.SMIncomingMessages{GetNodeConfigStatus: &struct{}{}})
}

func (c *Controller) requestNodeConfigStatus(ctx context.Context, nodeID string, req *smfleet.SMIncomingMessages) (*smfleet.NodeConfigStatus, error) {
	sess, err := c.findSession(nodeID)
	if err != nil {
		return nil, err
	}

	resp, err := sess.Request(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.NodeConfigStatus == nil {
		return nil, errkind.New(errkind.BadMessage, "controller: expected nodeConfigStatus response")
	}

	return resp.NodeConfigStatus, nil
}

// RequestLog asks nodeID to push a log chunk (delivered asynchronously via
// Handlers.OnLog, not returned here).
func (c *Controller) RequestLog(ctx context.Context, nodeID string, req *smfleet.RequestLog) error {
	sess, err := c.findSession(nodeID)
	if err != nil {
		return err
	}

	return sess.Push(ctx, &smfleet.SMIncomingMessages{RequestLog: req})
}

// GetAverageMonitoring requests nodeID's moving-average resource usage.
func (c *Controller) GetAverageMonitoring(ctx context.Context, nodeID string) (*smfleet.AverageMonitoring, error) {
	sess, err := c.findSession(nodeID)
	if err != nil {
		return nil, err
	}

	resp, err := sess.Request(ctx, &smfleet.SMIncomingMessages{GetAverageMonitoring: &struct{}{}})
	if err != nil {
		return nil, err
	}

	if resp.AverageMonitoring == nil {
		return nil, errkind.New(errkind.BadMessage, "controller: expected averageMonitoring response")
	}

	return resp.AverageMonitoring, nil
}

// BroadcastCloudConnected notifies every live session of a cloud
// connect/disconnect transition, under the registry mutex (spec.md §5's
// "single owning mutex held only across O(1) book-keeping operations" —
// the Push calls themselves happen after the snapshot, outside the lock).
func (c *Controller) BroadcastCloudConnected(ctx context.Context, connected bool) {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.all))
	for _, entry := range c.all {
		sessions = append(sessions, entry.sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Push(ctx, &smfleet.SMIncomingMessages{ConnectionStatus: &smfleet.ConnectionStatus{CloudConnected: connected}}); err != nil {
			dlog.Errorf(ctx, "controller: broadcast to %s: %v", sess.NodeID(), err)
		}
	}
}

// Start re-opens the controller to new RegisterSM streams after Stop. The
// gRPC server itself keeps listening across Stop/Start; this only flips
// the flag RegisterSM checks, so certwatch's cert-rotation restart (C10)
// has a Restartable it can cycle without tearing down the grpc.Server.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopping = false

	return nil
}

// Stop signals every live session to stop and blocks until each one has
// actually drained (its Run has returned), mirroring
// original_source's smcontroller.cpp waiting on mAllNodesDisconnectedCV
// before the server itself is torn down.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.stopping = true

	entries := make([]*liveSession, 0, len(c.all))
	for _, entry := range c.all {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	var g errgroup.Group

	for _, entry := range entries {
		entry := entry

		g.Go(func() error {
			entry.cancel()
			<-entry.sess.Done()

			return nil
		})
	}

	return g.Wait()
}
