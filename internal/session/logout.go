package session

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cloudinventory/assistant/internal/sweep"
)

// Logout ends the session and removes every credential trace from the
// store: the session's own keys, then anything the sweep matcher considers
// a third-party OAuth artifact. If session keys survive all that, the whole
// store is wiped.
func (m *Manager) Logout() error {
	username := ""
	if u := m.User(); u != nil {
		username = u.Username
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.token = ""
	m.user = nil
	m.mu.Unlock()
	m.refreshGroup.Forget(refreshKey)

	var errs []error
	for _, key := range []string{TokenKey, UserKey} {
		if err := m.store.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}

	removed, err := sweep.Sweep(m.store, m.matcher)
	if err != nil {
		log.Warn().Err(err).Msg("oauth artifact sweep incomplete")
	}

	if m.residualSessionKeys() {
		log.Warn().Msg("session keys survived logout, wiping store")
		if err := m.store.Clear(); err != nil {
			errs = append(errs, err)
			return fmt.Errorf("failed to clear store: %w", errors.Join(errs...))
		}
		errs = nil
	}

	log.Info().Str("username", username).Int("artifactsRemoved", len(removed)).Msg("logged out")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove session keys: %w", err)
	}
	return nil
}

// residualSessionKeys reports whether either session key is still present.
// A store that cannot be read counts as having residue.
func (m *Manager) residualSessionKeys() bool {
	for _, key := range []string{TokenKey, UserKey} {
		_, ok, err := m.store.Get(key)
		if err != nil || ok {
			return true
		}
	}
	return false
}
