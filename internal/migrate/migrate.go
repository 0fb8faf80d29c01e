// Package migrate upgrades versioned on-disk documents (config TOML,
// balance cache JSON) one schema version at a time.
package migrate

import (
	"fmt"
	"log/slog"
	"sort"
)

// Migration upgrades a document to [Migration.Version] from the version
// immediately before it.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short label for log output.
	Description string
	// Upgrade transforms the raw document.
	Upgrade func(data []byte) ([]byte, error)
}

// Run applies, in version order, every migration newer than fromVersion.
// It returns the transformed data and the version reached. On failure the
// returned version is the last one successfully applied.
func Run(data []byte, fromVersion int, migrations []Migration) ([]byte, int, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	version := fromVersion
	for _, m := range sorted {
		if version >= m.Version {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		out, err := m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("migration to v%d failed: %w", m.Version, err)
		}
		data = out
		version = m.Version
	}
	return data, version, nil
}
