package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths groups the on-disk layout rooted at the configured data dir.
type Paths struct {
	Root    string
	Store   string
	Logs    string
	Backups string
}

// Ensure creates the data directory tree and returns the resolved
// layout.
func Ensure(root string) (Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve data dir: %w", err)
	}
	p := Paths{
		Root:    abs,
		Store:   filepath.Join(abs, "store"),
		Logs:    filepath.Join(abs, "logs"),
		Backups: filepath.Join(abs, "backups"),
	}
	for _, dir := range []string{p.Root, p.Store, p.Logs, p.Backups} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return p, nil
}
