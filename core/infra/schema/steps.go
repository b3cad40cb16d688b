package schema

import (
	"embed"
	"fmt"
	"path"
	"strings"
)

//go:embed steps/*.json
var stepFS embed.FS

// StepSchemas compiles the bundled per-step-type config schemas. Ids are the
// step type names (wait, task, message, stage_move, condition, end).
func StepSchemas() (*Set, error) {
	entries, err := stepFS.ReadDir("steps")
	if err != nil {
		return nil, fmt.Errorf("read step schemas: %w", err)
	}
	set := NewSet()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := stepFS.ReadFile(path.Join("steps", name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := set.Add(strings.TrimSuffix(name, ".json"), data); err != nil {
			return nil, err
		}
	}
	return set, nil
}
