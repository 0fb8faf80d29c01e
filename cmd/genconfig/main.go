// Package main implements the genconfig tool that writes config.default.toml
// from config.ExampleConfig().
//
// It is invoked by go generate via the directive in internal/config/config.go.
// With -check it only verifies the file on disk is current.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/bumpmate/internal/config"
)

// defaultOut is config.default.toml relative to internal/config/, where
// go generate runs. configdata.go at the repo root embeds it.
const defaultOut = "../../config.default.toml"

func main() {
	out := flag.String("out", defaultOut, "Path of the generated file")
	check := flag.Bool("check", false, "Fail if the file on disk differs instead of writing it")
	flag.Parse()

	result, err := render(config.ExampleConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}

	if *check {
		onDisk, err := os.ReadFile(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *out, err)
			os.Exit(1)
		}
		if !bytes.Equal(onDisk, result) {
			fmt.Fprintf(os.Stderr, "%s is out of date; run go generate ./internal/config\n", *out)
			os.Exit(1)
		}
		return
	}

	if err := os.WriteFile(*out, result, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}

// render encodes cfg as TOML and annotates it from [config.ConfigDocs]:
// a header, a banner per section, comments above fields, alternatives as
// commented lines below, and commented entries for omitted fields.
func render(cfg *config.Config) ([]byte, error) {
	var raw bytes.Buffer
	if err := toml.NewEncoder(&raw).Encode(cfg); err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	out := []string{
		"# ///////////////////////////////////////////////",
		"# Bumpmate Configuration",
		"# ///////////////////////////////////////////////",
		"",
	}
	var sectionStack []string
	emitted := map[string]bool{}

	for _, line := range strings.Split(raw.String(), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[[") {
			injectOmitted(&out, sectionStack, emitted)

			section := strings.Trim(trimmed, "[] ")
			sectionStack = parseSectionPath(section)
			out = append(out, "", fmt.Sprintf("# ///// %s /////", sectionName(section)), "")
			if doc, ok := config.ConfigDocs[sectionDocKey(section)]; ok {
				out = appendComment(out, doc.Comment)
			}
			out = append(out, trimmed)
			continue
		}

		if !strings.Contains(trimmed, "=") || strings.HasPrefix(trimmed, "#") {
			out = append(out, trimmed)
			continue
		}

		key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
		fullPath := key
		if len(sectionStack) > 0 {
			fullPath = strings.Join(sectionStack, ".") + "." + key
		}
		emitted[fullPath] = true

		doc, ok := config.ConfigDocs[fullPath]
		out = appendComment(out, doc.Comment)
		out = append(out, trimmed)
		if ok {
			for _, alt := range doc.Alternatives {
				out = append(out, "# "+alt)
			}
		}
	}
	injectOmitted(&out, sectionStack, emitted)

	return []byte(strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"), nil
}

// appendComment adds each line of comment as a "# " line.
func appendComment(out []string, comment string) []string {
	if comment == "" {
		return out
	}
	for _, cl := range strings.Split(comment, "\n") {
		out = append(out, "# "+cl)
	}
	return out
}

// injectOmitted appends commented entries for documented keys of the
// current section that the encoder left out (omitempty fields at their zero
// value), sorted by key.
func injectOmitted(out *[]string, sectionStack []string, emitted map[string]bool) {
	if len(sectionStack) == 0 {
		return
	}
	prefix := strings.Join(sectionStack, ".") + "."

	// Collect omitted keys and sort for deterministic output
	var omitted []string
	for path := range config.ConfigDocs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if strings.Contains(rest, ".") {
			continue
		}
		if emitted[path] {
			continue
		}
		omitted = append(omitted, path)
	}
	sort.Strings(omitted)

	for _, path := range omitted {
		doc := config.ConfigDocs[path]
		*out = append(*out, "")
		*out = appendComment(*out, doc.Comment)
		for _, alt := range doc.Alternatives {
			*out = append(*out, "# "+alt)
		}
		emitted[path] = true
	}
}

// parseSectionPath splits a dotted TOML section header (e.g. "presets.gentle")
// into its component path segments (["presets", "gentle"]). The returned slice
// is used as a stack to track the current nesting depth during output generation.
func parseSectionPath(section string) []string {
	return strings.Split(section, ".")
}

// sectionDocKey maps a section header to its [config.ConfigDocs] key.
// Individual preset tables are documented once on the parent table.
func sectionDocKey(section string) string {
	if strings.HasPrefix(section, "presets.") {
		return ""
	}
	return section
}

// sectionName returns a human-readable display name for a TOML section header
// by extracting the last dotted segment and capitalizing its first letter.
// For example, "server" yields "Server". Preset tables are labeled with the
// preset name as written: "presets.gentle" yields "Preset gentle".
func sectionName(section string) string {
	if name, ok := strings.CutPrefix(section, "presets."); ok {
		return "Preset " + name
	}
	parts := strings.Split(section, ".")
	last := parts[len(parts)-1]
	if len(last) == 0 {
		return ""
	}
	return strings.ToUpper(last[:1]) + last[1:]
}
