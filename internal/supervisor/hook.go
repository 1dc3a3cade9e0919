package supervisor

import (
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// EventHook logs suture events with zap.
func EventHook(logger *zap.Logger) suture.EventHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("supervisor")
	return func(e suture.Event) {
		switch ev := e.(type) {
		case suture.EventServicePanic:
			logger.Error("service panicked",
				zap.String("supervisor", ev.SupervisorName),
				zap.String("service", ev.ServiceName),
				zap.String("panic", ev.PanicMsg),
				zap.Bool("restarting", ev.Restarting),
				zap.String("stack", ev.Stacktrace),
			)
		case suture.EventServiceTerminate:
			logger.Warn("service terminated",
				zap.String("supervisor", ev.SupervisorName),
				zap.String("service", ev.ServiceName),
				zap.Any("error", ev.Err),
				zap.Float64("failures", ev.CurrentFailures),
				zap.Bool("restarting", ev.Restarting),
			)
		case suture.EventBackoff:
			logger.Warn("supervisor backing off", zap.String("supervisor", ev.SupervisorName))
		case suture.EventResume:
			logger.Info("supervisor resumed", zap.String("supervisor", ev.SupervisorName))
		case suture.EventStopTimeout:
			logger.Error("service did not stop in time",
				zap.String("supervisor", ev.SupervisorName),
				zap.String("service", ev.ServiceName),
			)
		default:
			logger.Info("supervisor event", zap.String("event", e.String()))
		}
	}
}
