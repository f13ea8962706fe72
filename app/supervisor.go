package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Supervisor owns the restart boundary: it builds an App, serves it until
// the App asks for a restart, closes it and builds the next one from
// freshly loaded configuration.
type Supervisor struct {
	// Build creates a new context. It is called again after every
	// restart, so it must reload configuration.
	Build func(ctx context.Context) (*App, error)

	// Serve runs the context until ctx is done.
	Serve func(ctx context.Context, a *App) error

	Logger zerolog.Logger
}

// Run serves contexts until ctx is done or Serve fails.
func (s *Supervisor) Run(ctx context.Context) error {
	for generation := 1; ; generation++ {
		a, err := s.Build(ctx)
		if err != nil {
			return err
		}
		s.Logger.Info().Int("generation", generation).Str("engine", string(a.Engine())).Msg("application context started")

		restart, err := s.serve(ctx, a)
		if cerr := a.Close(); cerr != nil {
			s.Logger.Error().Err(cerr).Msg("close application context")
		}
		if !restart {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.Logger.Info().Int("generation", generation).Msg("restarting application context")
	}
}

func (s *Supervisor) serve(ctx context.Context, a *App) (restart bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, a) }()

	select {
	case <-a.RestartRequested():
		cancel()
		<-done
		return true, nil
	case err := <-done:
		return false, err
	case <-ctx.Done():
		return false, <-done
	}
}
