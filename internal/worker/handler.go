package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/task"
)

// HandlerFunc turns a task into an answer. Handlers are synchronous
// and non-cancellable: the dispatcher processes nothing else while one
// runs.
type HandlerFunc func(t *task.Task) (task.Answer, error)

var ErrHandlerNotFound = errors.New("handler not found for task")

const verifyAttempts = 3

// verifyBackoff is a variable so tests can shrink the wait.
var verifyBackoff = 3 * time.Second

// verifyPrompt is the dummy input every handler must survive before it
// is advertised.
const verifyPrompt = "Привет"

// VerifyHandlers resolves each configured handler against the
// compile-time registry and test-launches it with a dummy task.
// Unresolvable or persistently failing handlers are dropped and never
// advertised.
func VerifyHandlers(configs []config.HandlerConfig, registry map[string]HandlerFunc) map[string]HandlerFunc {
	verified := make(map[string]HandlerFunc)

	for _, cfg := range configs {
		handlerID := cfg.HandlerID()
		log := logger.WithHandler(handlerID)

		fn, ok := registry[cfg.ImportPath]
		if !ok {
			log.Warn().Str("import_path", cfg.ImportPath).Msg("handler is not registered")
			continue
		}

		if err := testLaunch(fn, handlerID); err != nil {
			log.Warn().Err(err).Msg("handler is unavailable")
			continue
		}

		verified[handlerID] = fn
		log.Info().Msg("handler verified")
	}

	return verified
}

func testLaunch(fn HandlerFunc, handlerID string) error {
	dummy := &task.Task{
		TaskID:    "verify",
		Prompt:    verifyPrompt,
		HandlerID: handlerID,
	}

	var err error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(verifyBackoff)
		}
		if _, err = Invoke(fn, dummy); err == nil {
			return nil
		}
	}
	return err
}

// Invoke runs a handler with panic recovery; a panicking handler
// surfaces as an ordinary handler error and flows through the retry
// policy.
func Invoke(fn HandlerFunc, t *task.Task) (answer task.Answer, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithTask(t.TaskID).Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(t)
}
