// Package paths centralizes file names inside the data directory and the
// worker API routes. All names are defined here as the single source of truth.
package paths

import (
	"net/url"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile          = "daemon.pid"
	ConfigFile       = "config.toml"
	LogFile          = "daemon.log"
	BalanceCacheFile = "balances.json"
	HistoryFile      = "history.jsonl"
	BinaryName       = "bumpmate"
	DataDirRel       = ".bumpmate" // relative to $HOME
)

// Worker API routes, relative to the configured server URL.
const (
	StopTaskRoute   = "/api/stop-task/"
	TaskRoute       = "/api/tasks/"
	ReleaseManifest = "/api/client/release-manifest.json"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// BalanceCache returns the full path to the local balance mirror.
func (d DataDir) BalanceCache() string { return filepath.Join(d.Root, BalanceCacheFile) }

// History returns the full path to the run history log.
func (d DataDir) History() string { return filepath.Join(d.Root, HistoryFile) }

// ///////////////////////////////////////////////
// Routes
// ///////////////////////////////////////////////

// StopTask returns the out-of-band stop route for a user.
func StopTask(uid string) string { return StopTaskRoute + url.PathEscape(uid) }

// Task returns the launch route for an action kind.
func Task(kind string) string { return TaskRoute + url.PathEscape(kind) }

// Tokens returns the durable balance route for a user.
func Tokens(uid string) string { return "/api/users/" + url.PathEscape(uid) + "/tokens" }
