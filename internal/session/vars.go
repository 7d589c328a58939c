package session

import "fmt"

// RegisterCacheVar wires "@<prefix>.cache.enabled" as a session-scoped
// on/off switch consulted by the caller's caching logic, following the
// "@maxscale.cache.enabled"-style variable the original documents
// (include/maxscale/session.hh "session_add_variable" doc comment).
// setEnabled is called synchronously with the parsed boolean.
func (s *Session) RegisterCacheVar(setEnabled func(bool)) {
	s.RegisterVar("cache.enabled", func(sess *Session, name, value string) (string, error) {
		switch value {
		case "1", "true", "on", "ON", "TRUE":
			setEnabled(true)
		case "0", "false", "off", "OFF", "FALSE":
			setEnabled(false)
		default:
			return fmt.Sprintf("invalid value for cache.enabled: %q", value), fmt.Errorf("invalid boolean %q", value)
		}
		return "", nil
	})
}
