// Package certwatch implements C10: a subscription to the IAM cert-changed
// stream that schedules a rebuild of TLS credentials and a restart of the
// cloud link and SM controller, without blocking the notifying call.
//
// Grounded on spec.md §4.10 and §9's "coroutine fire-and-forget → explicit
// restart state machine" redesign note: the original fires a detached
// coroutine per cert change; here that becomes an explicit state machine
// with a Done() channel the caller can wait on, so shutdown isn't racing a
// goroutine nobody is tracking.
package certwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// restartDelay is the ~1s grace period spec.md §4.10 calls for, so the
// certificate-apply call can return before the server that served it is
// torn down.
const restartDelay = time.Second

// CertSource is the IAM cert-changed subscription collaborator.
type CertSource interface {
	// Subscribe blocks, calling onChanged for every cert change affecting
	// storage, until ctx is cancelled.
	Subscribe(ctx context.Context, storage string, onChanged func()) error
}

// Restartable is rebuilt-and-restarted on every cert change: the cloud
// link and SM controller both satisfy this.
type Restartable interface {
	Stop() error
	Start(ctx context.Context) error
}

// CredentialBuilder rebuilds TLS credentials from the current cert state.
type CredentialBuilder interface {
	Rebuild() error
}

// Watcher runs the explicit restart state machine.
type Watcher struct {
	certSource  CertSource
	storage     string
	credentials CredentialBuilder
	restartable []Restartable

	doneCh chan struct{}
}

// New wires the watcher. restartable is restarted, in order, on every cert
// change (typically [cloud link, SM controller]).
func New(certSource CertSource, storage string, credentials CredentialBuilder, restartable ...Restartable) *Watcher {
	return &Watcher{
		certSource:  certSource,
		storage:     storage,
		credentials: credentials,
		restartable: restartable,
		doneCh:      make(chan struct{}),
	}
}

// Done is closed once the watcher's Subscribe loop returns (ctx cancelled)
// and every restart it scheduled has finished.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

// Run subscribes and, on each cert change, schedules the rebuild+restart
// sequence after restartDelay without blocking the subscription's
// notifying call (Subscribe's onChanged is expected to be synchronous and
// fast; the actual restart work happens in a separate goroutine that Run
// tracks, and Done() closes only after every such restart has finished).
func (w *Watcher) Run(ctx context.Context) error {
	var restarts sync.WaitGroup

	defer func() {
		restarts.Wait()
		close(w.doneCh)
	}()

	err := w.certSource.Subscribe(ctx, w.storage, func() {
		restarts.Add(1)

		go func() {
			defer restarts.Done()
			w.scheduleRestart(ctx)
		}()
	})
	if err != nil {
		return fmt.Errorf("certwatch: subscribe: %w", err)
	}

	return nil
}

func (w *Watcher) scheduleRestart(ctx context.Context) {
	timer := time.NewTimer(restartDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := w.credentials.Rebuild(); err != nil {
		dlog.Errorf(ctx, "certwatch: rebuild credentials: %v", err)

		return
	}

	for _, r := range w.restartable {
		if err := r.Stop(); err != nil {
			dlog.Errorf(ctx, "certwatch: stop: %v", err)
		}
	}

	for _, r := range w.restartable {
		if err := r.Start(ctx); err != nil {
			dlog.Errorf(ctx, "certwatch: start: %v", err)
		}
	}
}
