// Package fanout implements C11: buffering of alerts, monitoring samples,
// log chunks, env-var statuses and instance statuses from SM sessions into
// outgoing cloud envelopes.
//
// Grounded on spec.md §4.11; the bounded-channel-with-drop-oldest idiom is
// the teacher's approach to the same backpressure problem in
// pkg/connpool's mux plumbing, applied here to one bounded queue shared by
// all five kinds of item.
package fanout

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/aosedge/aos_communicationmanager/internal/message"
)

// queueSize bounds the Fanout's single shared buffer. Spec.md §5: "non-critical
// producers (monitoring, logs) drop oldest" when full.
const queueSize = 128

// Enqueuer is the C9 collaborator; Enqueue never blocks longer than ctx
// allows.
type Enqueuer interface {
	Enqueue(ctx context.Context, env message.Envelope) error
}

type item struct {
	msgType message.Type
	payload interface{}
}

// Fanout owns one bounded outgoing queue. Within a single Fanout, frames
// are forwarded in FIFO order; two Fanouts have no ordering relationship.
type Fanout struct {
	systemID string
	link     Enqueuer
	queue    chan item
}

// New constructs a Fanout that will enqueue cloud envelopes through link.
func New(systemID string, link Enqueuer) *Fanout {
	return &Fanout{
		systemID: systemID,
		link:     link,
		queue:    make(chan item, queueSize),
	}
}

// Run drains the queue into the cloud link until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-f.queue:
			env, err := message.New(7, f.systemID, it.msgType, it.payload)
			if err != nil {
				dlog.Errorf(ctx, "fanout: encode %s: %v", it.msgType, err)

				continue
			}

			if err := f.link.Enqueue(ctx, env); err != nil {
				dlog.Errorf(ctx, "fanout: enqueue %s: %v", it.msgType, err)
			}
		}
	}
}

// push enqueues it, dropping the oldest queued item of this Fanout when
// full (spec.md §5's non-critical backpressure policy — nothing this
// package forwards is an ack or a request response).
func (f *Fanout) push(it item) {
	select {
	case f.queue <- it:
		return
	default:
	}

	select {
	case <-f.queue:
	default:
	}

	select {
	case f.queue <- it:
	default:
	}
}

// PushAlert enqueues an alert for delivery as the next outgoing envelope.
func (f *Fanout) PushAlert(alert interface{}) {
	f.push(item{msgType: message.TypeAlerts, payload: alert})
}

// PushMonitoring enqueues a monitoring sample.
func (f *Fanout) PushMonitoring(sample interface{}) {
	f.push(item{msgType: message.TypeMonitoringData, payload: sample})
}

// PushLog enqueues a log chunk.
func (f *Fanout) PushLog(chunk interface{}) {
	f.push(item{msgType: message.TypePushLog, payload: chunk})
}

// PushEnvVarsStatus enqueues an overridden-env-vars application result.
func (f *Fanout) PushEnvVarsStatus(status interface{}) {
	f.push(item{msgType: message.TypeOverrideEnvVarsStatus, payload: status})
}

// PushInstanceStatus enqueues an instance run-state report.
func (f *Fanout) PushInstanceStatus(status interface{}) {
	f.push(item{msgType: message.TypeNewState, payload: status})
}

// QueueDepth reports how many items are currently buffered, for metrics.
func (f *Fanout) QueueDepth() int {
	return len(f.queue)
}
