package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine. A panic inside fn is logged with its stack
// and the goroutine exits instead of crashing the process.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
