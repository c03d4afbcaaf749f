package container

import (
	"fmt"
	"os"
	"path/filepath"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// workerMounts gives each worker type its own persistent workspace and a
// read-only shared directory.
func workerMounts(baseDir, workerType string) ([]Mount, error) {
	if baseDir == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}

	workspace := filepath.Join(abs, workerType)
	shared := filepath.Join(abs, "shared")
	for _, dir := range []string{workspace, shared} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return []Mount{
		{Source: workspace, Target: "/workspace"},
		{Source: shared, Target: "/workspace/shared", ReadOnly: true},
	}, nil
}

func binds(mounts []Mount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}
