package fanout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/fanout"
	"github.com/aosedge/aos_communicationmanager/internal/message"
)

type fakeLink struct {
	mu   sync.Mutex
	envs []message.Envelope
}

func (l *fakeLink) Enqueue(_ context.Context, env message.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)

	return nil
}

func (l *fakeLink) snapshot() []message.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]message.Envelope(nil), l.envs...)
}

func TestFanoutForwardsInFIFOOrder(t *testing.T) {
	link := &fakeLink{}
	f := fanout.New("cm-1", link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = f.Run(ctx) }()

	f.PushAlert(struct{ Tag string }{"a1"})
	f.PushMonitoring(struct{ Tag string }{"m1"})
	f.PushLog(struct{ Tag string }{"l1"})

	require.Eventually(t, func() bool {
		return len(link.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	envs := link.snapshot()
	require.Equal(t, message.TypeAlerts, envs[0].Data.MessageType)
	require.Equal(t, message.TypeMonitoringData, envs[1].Data.MessageType)
	require.Equal(t, message.TypePushLog, envs[2].Data.MessageType)
}

func TestFanoutDropsOldestWhenFull(t *testing.T) {
	link := &fakeLink{}
	f := fanout.New("cm-1", link)

	// No Run goroutine: the queue fills up and further pushes must evict
	// the oldest entry instead of blocking.
	for i := 0; i < 1000; i++ {
		f.PushInstanceStatus(struct{ N int }{i})
	}

	require.LessOrEqual(t, f.QueueDepth(), 128)
}

func TestFanoutEnvVarsStatusUsesCorrectType(t *testing.T) {
	link := &fakeLink{}
	f := fanout.New("cm-1", link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = f.Run(ctx) }()

	f.PushEnvVarsStatus(struct{ InstanceID string }{"inst-1"})

	require.Eventually(t, func() bool {
		envs := link.snapshot()

		return len(envs) == 1 && envs[0].Data.MessageType == message.TypeOverrideEnvVarsStatus
	}, time.Second, 5*time.Millisecond)
}
