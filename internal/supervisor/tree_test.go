package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// blockingService runs until its context ends. When panics > 0 the first
// that many runs panic instead.
type blockingService struct {
	name   string
	panics int32
	starts atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	if s.starts.Add(1) <= s.panics {
		panic("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingService) String() string { return s.name }

func fastConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   50 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	}
}

func TestDefaultTreeConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultTreeConfig()
	require.InDelta(t, 5.0, cfg.FailureThreshold, 0)
	require.InDelta(t, 30.0, cfg.FailureDecay, 0)
	require.Equal(t, 15*time.Second, cfg.FailureBackoff)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestTree_RunsServicesUntilCanceled(t *testing.T) {
	t.Parallel()

	tree := NewTree(zap.NewNop(), fastConfig())
	api := &blockingService{name: "api"}
	worker := &blockingService{name: "worker"}
	tree.AddAPIService(api)
	tree.AddWorkerService(worker)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return api.starts.Load() == 1 && worker.starts.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}

	report, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	require.Empty(t, report)
}

func TestTree_RestartsPanickingService(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	tree := NewTree(zap.New(core), fastConfig())
	svc := &blockingService{name: "flaky", panics: 1}
	tree.AddWorkerService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return svc.starts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("service panicked").Len() > 0
	}, time.Second, 5*time.Millisecond)

	entry := logs.FilterMessage("service panicked").All()[0]
	require.Equal(t, zapcore.ErrorLevel, entry.Level)
	require.Equal(t, "flaky", entry.ContextMap()["service"])

	cancel()
	<-errCh
}

func TestEventHook_LogsBackoffAndResume(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	hook := EventHook(zap.New(core))
	hook(suture.EventBackoff{SupervisorName: "worker-layer"})
	hook(suture.EventResume{SupervisorName: "worker-layer"})

	require.Equal(t, 1, logs.FilterMessage("supervisor backing off").Len())
	require.Equal(t, 1, logs.FilterMessage("supervisor resumed").Len())
	require.NotPanics(t, func() { EventHook(nil)(suture.EventResume{}) })
}
