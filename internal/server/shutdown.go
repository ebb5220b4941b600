package server

import (
	"context"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks collects the teardown work owed when the server stops: the
// database pool, the key-value store, the webhook processor. Hooks run in
// registration order, and a failing hook never blocks the ones after it.
type ShutdownHooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook that honours the shutdown deadline carried by
// the context. Nil hooks are ignored with a warning logged.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if s.hooks == nil {
		s.hooks = make([]hookDefinition, 0, 5)
	}
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that has no use for the shutdown context.
func (s *ShutdownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// AddClose registers any resource with a Close() method, such as the
// connection pool or cache store. Close's return value, if any, is ignored.
func (s *ShutdownHooks) AddClose(name string, closer interface{ Close() }) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error { closer.Close(); return nil })
}

// Execute runs the registered hooks in order, logging each outcome. Failures
// are reported and skipped past rather than aborting the remaining hooks.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	l := log.Ctx(ctx)
	for _, hook := range s.hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}
}
