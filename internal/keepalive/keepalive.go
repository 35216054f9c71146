// Package keepalive periodically validates a session so that its token is
// renewed before it expires.
package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is short enough that a token is always checked at least
// once inside its 300 second renewal window.
const DefaultInterval = 4 * time.Minute

// ErrSessionInvalid stops the loop when the session can no longer be used.
var ErrSessionInvalid = errors.New("session is no longer valid")

// Validator is implemented by session.Manager.
type Validator interface {
	ValidateSession(ctx context.Context) bool
}

// Run validates the session immediately and then on every tick. It returns
// ErrSessionInvalid once validation fails, or ctx.Err() when ctx is done.
func Run(ctx context.Context, v Validator, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}

	check := func() bool {
		if !v.ValidateSession(ctx) {
			if ctx.Err() == nil {
				log.Warn().Msg("session keep-alive: session invalid")
			}
			return false
		}
		log.Debug().Msg("session keep-alive: session valid")
		return true
	}

	log.Info().Dur("interval", interval).Msg("starting session keep-alive")
	if !check() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrSessionInvalid
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping session keep-alive")
			return ctx.Err()
		case <-ticker.C:
			if !check() {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrSessionInvalid
			}
		}
	}
}
