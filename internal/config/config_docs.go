package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "task.task_limit")
// to their [FieldDoc] entries. The genconfig tool uses this map to annotate the
// generated config.default.toml with inline comments and alternative examples.
var ConfigDocs = map[string]FieldDoc{
	// ── Root ──────────────────────────────────────────────────────
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	// ── Server ───────────────────────────────────────────────────
	"server.url": {
		Comment: "Worker base URL. When unset, BUMPMATE_SERVER_URL is used, then the built-in default.",
		Alternatives: []string{
			`url = "https://worker.example.com"`,
		},
	},
	"server.timeout_seconds": {
		Comment: "Timeout for each HTTP request and for opening the worker channel.",
	},
	"server.stop_retry_max": {
		Comment: "Retries for the stop notification after a run ends (0-10).\nThe notification runs in the background and never delays the local stop.",
	},
	"server.ping_interval_seconds": {
		Comment: "Keepalive ping interval on the worker channel. 0 disables pings.",
	},
	"server.check_updates": {
		Comment: "Check the worker's release manifest for a newer client on start.",
	},

	// ── Account ──────────────────────────────────────────────────
	"account.user_id": {
		Comment: "Worker-side user id. Identifies the balance record and stop requests.",
	},
	"account.username": {
		Comment: "Your store handle. Used when the signed-in user cannot be read from the page.",
	},
	"account.membership": {
		Comment: "Membership tier. Options: \"basic\", \"plus\", \"premium\"\n  basic cannot run follow-buyers.",
		Alternatives: []string{
			`membership = "plus"`,
			`membership = "premium"`,
		},
	},

	// ── Task ─────────────────────────────────────────────────────
	"task.delay": {
		Comment: "Seconds between steps. Settings are read each time an action starts.",
	},
	"task.discount_percentage": {
		Comment: "Discount applied by tasks that send offers (0-100).",
	},
	"task.task_limit": {
		Comment: "Stop after this many completed steps. 0 means no limit.",
		Alternatives: []string{
			`task_limit = 100`,
		},
	},
	"task.bump_from_bottom": {
		Comment: "Bump listings oldest first.",
	},
	"task.follow_exception_list": {
		Comment: "Handles never followed by follow-followers, follow-following, and follow-buyers.",
		Alternatives: []string{
			`follow_exception_list = ["someshop", "anothershop"]`,
		},
	},
	"task.unfollow_exception_list": {
		Comment: "Handles never unfollowed by unfollow-users.",
	},

	// ── Page ─────────────────────────────────────────────────────
	"page.host": {
		Comment: "Marketplace host. Actions are only offered on store pages of this host.",
	},
	"page.store_patterns": {
		Comment: "Glob patterns for store URL paths. The first path segment is the store handle.",
	},

	// ── Browser ──────────────────────────────────────────────────
	"browser.control_url": {
		Comment: "DevTools websocket URL of a Chrome started with --remote-debugging-port.\nWhen unset, page changes must be reported through the control API.",
		Alternatives: []string{
			`control_url = "ws://127.0.0.1:9222/devtools/browser/<id>"`,
		},
	},

	// ── Quota ────────────────────────────────────────────────────
	"quota.source": {
		Comment: "Where the token balance lives. Options: \"remote\", \"file\"\n  remote: the worker API, mirrored to balances.json\n  file:   balances.json only",
		Alternatives: []string{
			`source = "file"`,
		},
	},
	"quota.poll_interval_seconds": {
		Comment: "How often the balance is re-read to pick up daily resets.",
	},

	// ── Control ──────────────────────────────────────────────────
	"control.listen": {
		Comment: "Address of the local control API. Empty disables it.",
		Alternatives: []string{
			`listen = ""`,
		},
	},

	// ── Log ──────────────────────────────────────────────────────
	"log.level": {
		Comment: "Minimum log level. Options: \"trace\", \"debug\", \"info\", \"warn\", \"error\"",
		Alternatives: []string{
			`level = "debug"`,
		},
	},
	"log.max_size_mb": {
		Comment: "Log file size in megabytes before rotation.",
	},

	// ── Presets ──────────────────────────────────────────────────
	"presets": {
		Comment: "Named task settings, managed through /presets/<name> on the control API.",
	},
}
