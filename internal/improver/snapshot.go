package improver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
)

// versionFile is the on-disk YAML shape for one agent's history.
type versionFile struct {
	Agent    string          `yaml:"agent"`
	Versions []*PromptConfig `yaml:"versions"`
}

// SaveVersions writes each agent's full version history as YAML under dir,
// one file per agent. The improver itself never touches disk except through
// these snapshot calls; durability is the wrapping application's concern.
func (pi *PromptImprover) SaveVersions(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	pi.mu.RLock()
	defer pi.mu.RUnlock()

	for agent, history := range pi.versions {
		vf := versionFile{Agent: string(agent), Versions: history}
		data, err := yaml.Marshal(vf)
		if err != nil {
			return fmt.Errorf("failed to marshal %s history: %w", agent, err)
		}

		path := filepath.Join(dir, strings.ToLower(string(agent))+".yaml")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	logging.Improver("Prompt versions snapshotted to %s", dir)
	return nil
}

// LoadVersions replaces any agent histories found as YAML files under dir.
// Agents without a snapshot keep their seeded defaults. Files that fail to
// parse are reported, not skipped silently.
func (pi *PromptImprover) LoadVersions(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Nothing snapshotted yet.
		}
		return fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	pi.mu.Lock()
	defer pi.mu.Unlock()

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read snapshot %s: %w", entry.Name(), err)
		}

		var vf versionFile
		if err := yaml.Unmarshal(data, &vf); err != nil {
			return fmt.Errorf("failed to parse snapshot %s: %w", entry.Name(), err)
		}
		if vf.Agent == "" || len(vf.Versions) == 0 {
			continue
		}

		pi.versions[trace.Agent(vf.Agent)] = vf.Versions
		loaded++
	}

	logging.Improver("Loaded %d agent histories from %s", loaded, dir)
	return nil
}
