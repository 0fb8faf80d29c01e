package migrate

import "fmt"

// Registry holds the current version and upgrade list for one document type.
type Registry struct {
	// CurrentVersion is the version written by this build.
	CurrentVersion int
	// Migrations is exported so tests can swap the list.
	Migrations []Migration
}

// Register adds m. It panics on a duplicate version so conflicting
// migrations are caught at init time.
func (r *Registry) Register(m Migration) {
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate migration version %d (description: %q)", m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
}

// Stale reports whether a document at fileVersion needs to be rewritten.
func (r *Registry) Stale(fileVersion int) bool {
	return fileVersion != r.CurrentVersion
}

// Run upgrades data from fromVersion using the registered migrations.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	return Run(data, fromVersion, r.Migrations)
}

// Config is the registry for config.toml.
var Config = &Registry{CurrentVersion: 1}

// Balances is the registry for the balance cache file.
var Balances = &Registry{CurrentVersion: 1}
