// Package config implements environment-variable-driven configuration
// for the nsh/nshd binaries, matching the teacher's flat config-from-env
// style (cmd/zmux-server read its settings the same way, one env var per
// field, ints parsed with the default kept on error).
package config

import (
	"os"
	"strconv"
)

// Shell holds cmd/nsh's tunables.
type Shell struct {
	UnivarSocket   string // NSH_UNIVAR_SOCKET, path to the universal-variable daemon's socket
	UnivarMaxTries int    // NSH_UNIVAR_MAX_TRIES, reconnect attempts before giving up
	DebugAddr      string // NSH_DEBUG_ADDR, empty disables the debug API
	LogLevel       string // NSH_LOG_LEVEL: debug|info|warn|error
}

// LoadShell reads Shell config from the environment, applying defaults for
// anything unset or unparsable.
func LoadShell() Shell {
	return Shell{
		UnivarSocket:   envString("NSH_UNIVAR_SOCKET", "/tmp/nsh-univar.sock"),
		UnivarMaxTries: envInt("NSH_UNIVAR_MAX_TRIES", 32),
		DebugAddr:      envString("NSH_DEBUG_ADDR", ""),
		LogLevel:       envString("NSH_LOG_LEVEL", "info"),
	}
}

// Daemon holds cmd/nshd's tunables.
type Daemon struct {
	ListenSocket string // NSHD_LISTEN_SOCKET, the UNIX socket C10's server accepts on
	RedisAddr    string // NSHD_REDIS_ADDR
	RedisDB      int    // NSHD_REDIS_DB
	LogLevel     string // NSHD_LOG_LEVEL
}

// LoadDaemon reads Daemon config from the environment.
func LoadDaemon() Daemon {
	return Daemon{
		ListenSocket: envString("NSHD_LISTEN_SOCKET", "/tmp/nsh-univar.sock"),
		RedisAddr:    envString("NSHD_REDIS_ADDR", "localhost:6379"),
		RedisDB:      envInt("NSHD_REDIS_DB", 0),
		LogLevel:     envString("NSHD_LOG_LEVEL", "info"),
	}
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
