package session

import (
	"os"

	"github.com/matheus3301/geochat/internal/config"
)

const (
	DefaultSessionName = "main"

	// EnvSession selects the session when no flag is given.
	EnvSession = "GEOCHAT_SESSION"
)

// Resolve picks the active session: the flag, then $GEOCHAT_SESSION, then
// default_session from config.toml, then "main". An unreadable config file
// is ignored here; the daemon reports it when it loads the config.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(EnvSession); name != "" {
		return name
	}
	if cfg, err := config.LoadOrDefault(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
