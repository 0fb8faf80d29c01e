package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"tools.zach/dev/bumpmate/internal/config"
	"tools.zach/dev/bumpmate/internal/logger"
	"tools.zach/dev/bumpmate/internal/paths"
	"tools.zach/dev/bumpmate/internal/session"
)

// ///////////////////////////////////////////////
// Live Config
// ///////////////////////////////////////////////

// liveConfig holds the current configuration. Task settings and the account
// are read from it each time an action starts, so edits to config.toml take
// effect on the next start without a restart.
type liveConfig struct {
	dir paths.DataDir
	cur atomic.Pointer[config.Config]
	// level is the logger's runtime level, updated on reload.
	level *slog.LevelVar
	// mu serializes writers (reload and preset application).
	mu sync.Mutex
}

func newLiveConfig(dir paths.DataDir, cfg *config.Config, level *slog.LevelVar) *liveConfig {
	lc := &liveConfig{dir: dir, level: level}
	lc.cur.Store(cfg)
	return lc
}

// Current returns the active configuration. Callers must not modify it.
func (lc *liveConfig) Current() *config.Config { return lc.cur.Load() }

// Reload re-reads config.toml. An invalid file is logged and the previous
// configuration is kept.
func (lc *liveConfig) Reload() {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	cfg, err := config.Load(lc.dir.Root)
	if err != nil {
		slog.Warn("config reload failed, keeping previous settings", "error", err)
		return
	}
	prev := lc.cur.Swap(cfg)
	if lc.level != nil {
		lc.level.Set(logger.ParseLevel(cfg.Log.Level))
	}
	if prev != nil && prev.Account.UserID != cfg.Account.UserID {
		slog.Info("account changed", "user_id", cfg.Account.UserID)
	}
	slog.Debug("config reloaded", "delay", cfg.Task.Delay, "task_limit", cfg.Task.TaskLimit)
}

// edit applies fn to a copy of the current configuration, saves it, and
// makes it current. The presets map is copied so readers of the previous
// configuration never see the change.
func (lc *liveConfig) edit(fn func(*config.Config) error) (*config.Config, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	next := *lc.cur.Load()
	next.Presets = maps.Clone(next.Presets)
	if err := fn(&next); err != nil {
		return nil, err
	}
	if err := next.Save(lc.dir.Config()); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	lc.cur.Store(&next)
	return &next, nil
}

// ApplyPreset copies the named preset into the task settings and saves the
// file. The next started action uses the new settings.
func (lc *liveConfig) ApplyPreset(name string) error {
	cfg, err := lc.edit(func(c *config.Config) error { return c.ApplyPreset(name) })
	if err != nil {
		return err
	}
	slog.Info("preset applied", "preset", name, "delay", cfg.Task.Delay, "task_limit", cfg.Task.TaskLimit)
	return nil
}

// SavePreset stores the current task settings under name.
func (lc *liveConfig) SavePreset(name string) error {
	if _, err := lc.edit(func(c *config.Config) error { return c.SavePreset(name) }); err != nil {
		return err
	}
	slog.Info("preset saved", "preset", name)
	return nil
}

// DeletePreset removes the named preset.
func (lc *liveConfig) DeletePreset(name string) error {
	if _, err := lc.edit(func(c *config.Config) error { return c.DeletePreset(name) }); err != nil {
		return err
	}
	slog.Info("preset deleted", "preset", name)
	return nil
}

// PresetNames lists the configured presets.
func (lc *liveConfig) PresetNames() []string { return lc.Current().PresetNames() }

// Settings maps the task section to controller settings.
func (lc *liveConfig) Settings() session.Settings {
	return settingsFrom(lc.Current().Task)
}

// Account maps the account section to the controller's account.
func (lc *liveConfig) Account() session.Account {
	cfg := lc.Current()
	return session.Account{UID: cfg.Account.UserID, Tier: cfg.Tier()}
}

// UID returns the configured worker user id.
func (lc *liveConfig) UID() string { return lc.Current().Account.UserID }

// Username returns the configured store username.
func (lc *liveConfig) Username() string { return lc.Current().Account.Username }

func settingsFrom(t config.TaskConfig) session.Settings {
	return session.Settings{
		Delay:              t.Delay,
		DiscountPercentage: t.DiscountPercentage,
		TaskLimit:          t.TaskLimit,
		BumpFromBottom:     t.BumpFromBottom,
		FollowExceptions:   append([]string(nil), t.FollowExceptionList...),
		UnfollowExceptions: append([]string(nil), t.UnfollowExceptionList...),
	}
}

// ///////////////////////////////////////////////
// Triggers
// ///////////////////////////////////////////////

// mergeTriggers forwards every tick of interval and every signal from the
// sources into one channel. Bursts coalesce into a single pending trigger.
// The returned channel fires once immediately and closes when ctx is done.
func mergeTriggers(ctx context.Context, interval time.Duration, sources ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	out <- struct{}{}
	fire := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	for _, src := range sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-src:
					if !ok {
						return
					}
					fire()
				}
			}
		}()
	}
	if interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					fire()
				}
			}
		}()
	}
	go func() {
		<-ctx.Done()
		wg.Wait()
		close(out)
	}()
	return out
}
