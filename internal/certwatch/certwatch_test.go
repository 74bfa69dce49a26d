package certwatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/certwatch"
)

type fakeCertSource struct {
	storage string
}

func (f *fakeCertSource) Subscribe(ctx context.Context, storage string, onChanged func()) error {
	f.storage = storage
	onChanged()
	<-ctx.Done()

	return nil
}

type fakeCredentials struct {
	mu      sync.Mutex
	rebuilt int
}

func (c *fakeCredentials) Rebuild() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuilt++

	return nil
}

type fakeRestartable struct {
	mu      sync.Mutex
	stopped int
	started int
}

func (r *fakeRestartable) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++

	return nil
}

func (r *fakeRestartable) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++

	return nil
}

func TestWatcherRestartsOnCertChange(t *testing.T) {
	certSource := &fakeCertSource{}
	creds := &fakeCredentials{}
	restartable := &fakeRestartable{}

	w := certwatch.New(certSource, "online", creds, restartable)

	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		restartable.mu.Lock()
		defer restartable.mu.Unlock()

		return restartable.started >= 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, "online", certSource.storage)

	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close after ctx cancellation")
	}
}
