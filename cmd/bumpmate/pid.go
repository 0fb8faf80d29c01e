package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tools.zach/dev/bumpmate/internal/paths"
)

// ///////////////////////////////////////////////
// PID Lock
// ///////////////////////////////////////////////

// pidLock holds the advisory lock on the PID file for the daemon's lifetime.
// The file content is "PID:TOKEN"; the token proves ownership so [pidLock.Release]
// never removes a file written by another instance.
type pidLock struct {
	path  string
	token string
	f     *os.File
}

// pidToken generates a random 16-character hex token.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// acquirePID opens the PID file in dir, locks it, and writes this process's
// PID and a fresh token. It fails when another instance holds the lock.
func acquirePID(dir paths.DataDir) (*pidLock, error) {
	path := dir.PID()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}

	l := &pidLock{path: path, token: pidToken(), f: f}
	if err := f.Truncate(0); err != nil {
		l.unlock()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), l.token); err != nil {
		l.unlock()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return l, nil
}

func (l *pidLock) unlock() {
	if l.f == nil {
		return
	}
	_ = unlockFile(l.f)
	l.f.Close()
	l.f = nil
}

// Release drops the lock and removes the file if it still carries our token.
func (l *pidLock) Release() {
	if l == nil {
		return
	}
	l.unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if _, token, ok := strings.Cut(string(data), ":"); ok && token == l.token {
		os.Remove(l.path)
	}
}

// runningPID reports whether another daemon holds the lock in dir, and its
// PID when readable. A PID file left by a dead instance is removed.
func runningPID(dir paths.DataDir) (alive bool, pid int) {
	path := dir.PID()
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(path)
		f.Close()
		head, _, _ := strings.Cut(string(data), ":")
		if p, convErr := strconv.Atoi(head); convErr == nil {
			return true, p
		}
		return true, 0
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(path)
	return false, 0
}
