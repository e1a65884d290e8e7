package pool

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ScriptFile is one script discovered under a root directory.
type ScriptFile struct {
	Path    string // absolute path
	ModTime time.Time
}

// DiscoverScripts walks root for files matching pattern (a doublestar glob,
// e.g. "**/*.py"), returning them sorted newest-first. The dispatch loop
// does not call it; a queued job's script_path is not checked against the
// script cache before its supervision is dispatched.
func DiscoverScripts(root, pattern string) ([]ScriptFile, error) {
	fsys := os.DirFS(root)
	var out []ScriptFile

	err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // skip unreadable entries
		}
		out = append(out, ScriptFile{
			Path:    filepath.Join(root, path),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}
