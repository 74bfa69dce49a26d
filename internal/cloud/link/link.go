// Package link implements C9, the cloud link master state machine:
// Disconnected → Discovering → Connecting → Connected, with an outbound
// queue + unacked-message retry table, inbound stale-drop/ack/correlation
// handling, and a connection-listener subscription.
//
// Grounded on spec.md §4.9 table-for-table; original_source's
// communication/tests/communication.cpp for the ack/timeout/reconnect
// scenarios; the teacher's pkg/a8rcloud/systema.go for the pooled-client,
// mutex-guarded lazy-connect idiom this reuses for (re)dialing.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/message"
)

// State is one of the link's four states.
type State int

const (
	Disconnected State = iota
	Discovering
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// maxRetries mirrors spec.md §4.9/§7's per-envelope ack retry budget.
const maxRetries = 4

const outboundQueueSize = 512

// Discoverer is the C7 collaborator.
type Discoverer interface {
	Discover(ctx context.Context) (Result, error)
}

// Result is the subset of discovery.Result the link needs; kept as its own
// type so this package doesn't import internal/cloud/discovery directly
// and callers can adapt freely.
type Result struct {
	URL              string
	NextRequestDelay time.Duration
}

// Transport is the C8 collaborator.
type Transport interface {
	Send([]byte) error
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Listener is notified exactly once per Connected/Disconnected transition.
type Listener interface {
	OnConnected()
	OnDisconnected()
}

// Handler receives an inbound envelope of the messageType it was registered
// for, once the envelope has been found not to be stale, a bare ack, or a
// Request's correlated response; the ack for it is enqueued after
// HandleMessage returns. This is the delivery surface spec.md's inbound step
// 3 names; decoding the envelope's payload into a manager call is the
// registered handler's job, not this package's.
type Handler interface {
	HandleMessage(env message.Envelope)
}

// Metrics receives point-of-origin counts from the link's own loops; a nil
// Metrics in Config leaves these as no-ops, so tests and callers that don't
// care about observability aren't forced to supply a collaborator.
type Metrics interface {
	IncAckRetries()
	IncUnknownMessageType()
	SetPendingRequests(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncAckRetries()         {}
func (noopMetrics) IncUnknownMessageType() {}
func (noopMetrics) SetPendingRequests(int) {}

type unackedEntry struct {
	envelope          message.Envelope
	firstSentAt       time.Time
	nextRetryAt       time.Time
	attemptsRemaining int
}

type pendingRequest struct {
	expectedType message.Type
	responseCh   chan message.Envelope
}

// Link is the cloud link state machine.
type Link struct {
	discoverer       Discoverer
	dialer           Dialer
	systemID         string
	responseTimeout  time.Duration
	minRetryDelay    time.Duration
	tracer           trace.Tracer
	metrics          Metrics

	mu            sync.Mutex
	state         State
	listeners     []Listener
	transport     Transport
	discoveredURL string

	outbound chan message.Envelope
	unacked  map[string]*unackedEntry // keyed by txn string

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	handlersMu sync.Mutex
	handlers   map[message.Type]Handler

	lastCreatedAtMu sync.Mutex
	lastCreatedAt   map[message.Type]time.Time
}

// Config bundles Link's construction parameters.
type Config struct {
	Discoverer      Discoverer
	Dialer          Dialer
	SystemID        string
	ResponseTimeout time.Duration
	MinRetryDelay   time.Duration
	Metrics         Metrics
}

// New builds a Link that hasn't been Started yet.
func New(cfg Config) *Link {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}

	if cfg.MinRetryDelay <= 0 {
		cfg.MinRetryDelay = 5 * time.Second
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Link{
		discoverer:      cfg.Discoverer,
		dialer:          cfg.Dialer,
		systemID:        cfg.SystemID,
		responseTimeout: cfg.ResponseTimeout,
		minRetryDelay:   cfg.MinRetryDelay,
		tracer:          otel.Tracer("github.com/aosedge/aos_communicationmanager/internal/cloud/link"),
		metrics:         metrics,
		outbound:        make(chan message.Envelope, outboundQueueSize),
		unacked:         make(map[string]*unackedEntry),
		pending:         make(map[string]*pendingRequest),
		handlers:        make(map[message.Type]Handler),
		lastCreatedAt:   make(map[message.Type]time.Time),
	}
}

// Subscribe registers l to be notified of connection transitions.
func (link *Link) Subscribe(l Listener) {
	link.mu.Lock()
	defer link.mu.Unlock()

	link.listeners = append(link.listeners, l)
}

// RegisterHandler installs h to receive every inbound envelope of msgType
// that isn't consumed as a bare ack or as a Request's correlated response.
// Safe to call at any time, including while Run is already driving the
// link; a handler registered after a message of its type has already been
// dropped does not receive it retroactively.
func (link *Link) RegisterHandler(msgType message.Type, h Handler) {
	link.handlersMu.Lock()
	defer link.handlersMu.Unlock()

	link.handlers[msgType] = h
}

// State returns the link's current state.
func (link *Link) State() State {
	link.mu.Lock()
	defer link.mu.Unlock()

	return link.state
}

// Run drives the state machine until ctx is cancelled. It never returns an
// error on a clean Stop (ctx cancellation); it's meant to be one of the
// tasks in the process's top-level errgroup, per the teacher's
// cmd/traffic/manager.go convention.
func (link *Link) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			link.transitionTo(Disconnected)

			return nil
		default:
		}

		state := link.State()

		switch state {
		case Disconnected:
			link.transitionTo(Discovering)
		case Discovering:
			result, err := link.discoverer.Discover(ctx)
			if err != nil {
				dlog.Errorf(ctx, "link: discovery failed: %v", err)
				sleep(ctx, result.NextRequestDelay, link.minRetryDelay)

				continue
			}

			link.discoveredURL = result.URL
			link.transitionTo(Connecting)
		case Connecting:
			transport, err := link.dialer.Dial(ctx, link.discoveredURL)
			if err != nil {
				dlog.Errorf(ctx, "link: dial failed: %v", err)
				link.transitionTo(Discovering)

				continue
			}

			link.mu.Lock()
			link.transport = transport
			link.mu.Unlock()

			link.transitionTo(Connected)
		case Connected:
			err := link.runConnected(ctx)
			if err != nil {
				dlog.Errorf(ctx, "link: connection lost: %v", err)
			}

			link.transitionTo(Discovering)
		}
	}
}

func sleep(ctx context.Context, suggested, floor time.Duration) {
	delay := suggested
	if delay < floor {
		delay = floor
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (link *Link) transitionTo(state State) {
	link.mu.Lock()
	prev := link.state
	link.state = state
	listeners := append([]Listener(nil), link.listeners...)
	link.mu.Unlock()

	if prev == state {
		return
	}

	if state == Connected {
		for _, l := range listeners {
			l.OnConnected()
		}
	}

	if state == Discovering || state == Disconnected {
		if prev == Connected {
			for _, l := range listeners {
				l.OnDisconnected()
			}
		}
	}
}

// runConnected runs the outbound and inbound tasks until the transport
// fails or ctx is cancelled.
func (link *Link) runConnected(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	link.mu.Lock()
	transport := link.transport
	link.mu.Unlock()

	g := dgroup.NewGroup(connCtx, dgroup.GroupConfig{})

	g.Go("outbound", func(ctx context.Context) error {
		return link.outboundLoop(ctx, transport)
	})
	g.Go("inbound", func(ctx context.Context) error {
		return link.inboundLoop(ctx, transport)
	})
	g.Go("retry", func(ctx context.Context) error {
		return link.retryLoop(ctx, transport)
	})
	// Closing the transport on shutdown unblocks the inbound task's Recv,
	// which does not observe ctx itself.
	g.Go("closer", func(ctx context.Context) error {
		<-ctx.Done()
		_ = transport.Close()

		return nil
	})

	err := g.Wait()

	_ = transport.Close()

	link.mu.Lock()
	link.transport = nil
	link.mu.Unlock()

	return err
}

func (link *Link) outboundLoop(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-link.outbound:
			if err := link.sendEnvelope(t, env); err != nil {
				return err
			}
		}
	}
}

func (link *Link) sendEnvelope(t Transport, env message.Envelope) error {
	wire, err := message.Encode(env)
	if err != nil {
		return fmt.Errorf("link: encode: %w", err)
	}

	if err := t.Send(wire); err != nil {
		return fmt.Errorf("link: send: %w", err)
	}

	if env.Data.MessageType != message.TypeAck {
		link.mu.Lock()
		link.unacked[env.Header.Txn.String()] = &unackedEntry{
			envelope:    env,
			firstSentAt: time.Now(),
			nextRetryAt: time.Now().Add(link.responseTimeout),
			// maxRetries counts the wire appearance made here (the
			// initial send) as the first of the budget, so only
			// maxRetries-1 resends remain.
			attemptsRemaining: maxRetries - 1,
		}
		link.mu.Unlock()
	}

	return nil
}

func (link *Link) retryLoop(ctx context.Context, t Transport) error {
	ticker := time.NewTicker(link.responseTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			link.retryDue(t)
		}
	}
}

func (link *Link) retryDue(t Transport) {
	now := time.Now()

	link.mu.Lock()
	due := make([]*unackedEntry, 0)

	for txn, entry := range link.unacked {
		if now.Before(entry.nextRetryAt) {
			continue
		}

		if entry.attemptsRemaining <= 0 {
			delete(link.unacked, txn)

			continue
		}

		entry.attemptsRemaining--
		entry.nextRetryAt = now.Add(link.responseTimeout)
		due = append(due, entry)
	}
	link.mu.Unlock()

	for _, entry := range due {
		resent := message.Resend(entry.envelope)

		wire, err := message.Encode(resent)
		if err != nil {
			continue
		}

		_ = t.Send(wire)
		link.metrics.IncAckRetries()
	}
}

func (link *Link) inboundLoop(ctx context.Context, t Transport) error {
	for {
		wire, err := t.Recv()
		if err != nil {
			return fmt.Errorf("link: recv: %w", err)
		}

		env, decodeErr := message.Decode(wire)

		var unknown message.ErrUnknownMessageType
		if decodeErr != nil {
			if asUnknown(decodeErr, &unknown) {
				link.metrics.IncUnknownMessageType()
				dlog.Errorf(ctx, "link: dropping unknown messageType %q", unknown.Type)

				continue
			}

			dlog.Errorf(ctx, "link: dropping malformed message: %v", decodeErr)

			continue
		}

		link.handleInbound(ctx, t, env)
	}
}

func asUnknown(err error, target *message.ErrUnknownMessageType) bool {
	if u, ok := err.(message.ErrUnknownMessageType); ok {
		*target = u

		return true
	}

	return false
}

func (link *Link) handleInbound(ctx context.Context, t Transport, env message.Envelope) {
	if link.isStale(env) {
		return
	}

	if env.Data.MessageType == message.TypeAck {
		link.resolveAck(env)

		return
	}

	if !link.resolvePending(env) {
		link.dispatch(ctx, env)
	}

	ack, err := message.New(7, link.systemID, message.TypeAck, struct{}{})
	if err == nil {
		ack.Header.Txn = env.Header.Txn

		select {
		case link.outbound <- ack:
		case <-ctx.Done():
		}
	}
}

// dispatch delivers env to the Handler registered for its messageType, if
// any. An unhandled, non-response messageType is logged and dropped —
// decode→manager dispatch for a given messageType is opt-in via
// RegisterHandler, not a hardwired switch in this package.
func (link *Link) dispatch(ctx context.Context, env message.Envelope) {
	link.handlersMu.Lock()
	h, ok := link.handlers[env.Data.MessageType]
	link.handlersMu.Unlock()

	if !ok {
		dlog.Errorf(ctx, "link: no handler registered for messageType %q, dropping", env.Data.MessageType)

		return
	}

	h.HandleMessage(env)
}

func (link *Link) isStale(env message.Envelope) bool {
	link.lastCreatedAtMu.Lock()
	defer link.lastCreatedAtMu.Unlock()

	last, ok := link.lastCreatedAt[env.Data.MessageType]
	if ok && env.Header.CreatedAt.Before(last) {
		return true
	}

	link.lastCreatedAt[env.Data.MessageType] = env.Header.CreatedAt

	return false
}

func (link *Link) resolveAck(env message.Envelope) {
	link.mu.Lock()
	delete(link.unacked, env.Header.Txn.String())
	link.mu.Unlock()
}

// resolvePending delivers env to the pending Request awaiting its txn, if
// any, and reports whether it did.
func (link *Link) resolvePending(env message.Envelope) bool {
	link.pendingMu.Lock()
	p, ok := link.pending[env.Header.Txn.String()]
	if ok && p.expectedType != "" && env.Data.MessageType != p.expectedType {
		ok = false
	}
	if ok {
		delete(link.pending, env.Header.Txn.String())
		link.metrics.SetPendingRequests(len(link.pending))
	}
	link.pendingMu.Unlock()

	if !ok {
		return false
	}

	p.responseCh <- env

	return true
}

// Enqueue pushes a pre-built envelope onto the outbound queue; it does not
// wait for an ack. Used by C11's fanout for alerts/monitoring/log/status
// pushes, and internally for acks and retries.
func (link *Link) Enqueue(ctx context.Context, env message.Envelope) error {
	select {
	case link.outbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request enqueues a new envelope carrying msgType/payload and blocks for a
// response of expectedResponseType, up to responseTimeout. It does not
// retry on timeout (spec.md §4.9's Request API).
func (link *Link) Request(ctx context.Context, msgType message.Type, payload interface{}, expectedResponseType message.Type) (message.Envelope, error) {
	ctx, span := link.tracer.Start(ctx, "link.Request")
	defer span.End()

	env, err := message.New(7, link.systemID, msgType, payload)
	if err != nil {
		return message.Envelope{}, err
	}

	p := &pendingRequest{expectedType: expectedResponseType, responseCh: make(chan message.Envelope, 1)}

	link.pendingMu.Lock()
	link.pending[env.Header.Txn.String()] = p
	link.metrics.SetPendingRequests(len(link.pending))
	link.pendingMu.Unlock()

	defer func() {
		link.pendingMu.Lock()
		delete(link.pending, env.Header.Txn.String())
		link.metrics.SetPendingRequests(len(link.pending))
		link.pendingMu.Unlock()
	}()

	if err := link.Enqueue(ctx, env); err != nil {
		return message.Envelope{}, err
	}

	timer := time.NewTimer(link.responseTimeout)
	defer timer.Stop()

	select {
	case resp := <-p.responseCh:
		return resp, nil
	case <-timer.C:
		return message.Envelope{}, errkind.New(errkind.Timeout, "link: no correlated response within responseTimeout")
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}
