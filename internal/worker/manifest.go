package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var manifestExts = map[string]struct{}{
	".toml": {}, ".yaml": {}, ".yml": {}, ".json": {},
}

// LoadManifests discovers one Manifest per subdirectory of workersDir: each
// subdirectory's "meta.{json,yaml,yml,toml}" is decoded, merged over
// defaults, and then over an optional "<name>.override.{ext}" found
// directly in workersDir (override > worker manifest > defaults).
// Mirrors loykin-provisr's loadProgramEntries directory scan and
// per-file viper decode, generalized to procman's three-way merge.
func LoadManifests(workersDir string, defaults Manifest, log *slog.Logger) ([]Manifest, error) {
	entries, err := os.ReadDir(workersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worker: read workers directory %s: %w", workersDir, err)
	}

	var out []Manifest
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		dir := filepath.Join(workersDir, name)

		metaFile, ok := findManifestFile(dir, "meta")
		if !ok {
			continue // no manifest in this subdirectory: not a worker
		}

		m := defaults
		if err := decodeManifestFile(metaFile, &m); err != nil {
			logSkip(log, name, fmt.Errorf("decode %s: %w", metaFile, err))
			continue
		}
		if m.Name == "" {
			m.Name = name
		}

		if overrideFile, ok := findManifestFile(workersDir, name+".override"); ok {
			if err := decodeManifestFile(overrideFile, &m); err != nil {
				logSkip(log, m.Name, fmt.Errorf("decode override %s: %w", overrideFile, err))
				continue
			}
		}

		applyDeprecatedDepends(&m, log)

		if err := validateManifest(m); err != nil {
			logSkip(log, m.Name, err)
			continue
		}

		out = append(out, m)
	}
	return out, nil
}

// logSkip records a per-worker manifest failure without aborting the scan:
// one malformed or invalid worker never prevents discovery of the rest of
// the fleet.
func logSkip(log *slog.Logger, name string, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Error("worker: skipping worker with invalid manifest", "worker", name, "error", err)
}

func findManifestFile(dir, base string) (string, bool) {
	for ext := range manifestExts {
		candidate := filepath.Join(dir, base+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func decodeManifestFile(path string, out *Manifest) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	var raw map[string]any
	if err := v.Unmarshal(&raw); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// applyDeprecatedDepends resolves the open question: depends
// and after may both be present. Their contents are unioned into after,
// and a deprecation warning is logged once per worker load regardless.
func applyDeprecatedDepends(m *Manifest, log *slog.Logger) {
	if len(m.Depends) == 0 {
		return
	}
	if log != nil {
		log.Warn("worker manifest uses deprecated 'depends' key, use 'after' instead",
			"worker", m.Name)
	}
	seen := make(map[string]struct{}, len(m.After))
	for _, a := range m.After {
		seen[a] = struct{}{}
	}
	for _, d := range m.Depends {
		if _, ok := seen[d]; !ok {
			m.After = append(m.After, d)
			seen[d] = struct{}{}
		}
	}
}

func validateManifest(m Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("requires name")
	}
	if strings.TrimSpace(m.ExecutablePath) == "" {
		return fmt.Errorf("worker %q requires executable_path", m.Name)
	}
	if err := m.Hooks.Validate(); err != nil {
		return fmt.Errorf("worker %q: %w", m.Name, err)
	}
	return nil
}
