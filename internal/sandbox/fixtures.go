package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"callcheck/internal/callspec"
)

// materialize creates the fixtures under root, directories before the files
// inside them, and then the working directory.
func materialize(root string, fixtures []callspec.Fixture, workDir string) error {
	ordered := append([]callspec.Fixture(nil), fixtures...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return filepath.Clean(ordered[i].Path) < filepath.Clean(ordered[j].Path)
	})

	for _, f := range ordered {
		full := filepath.Join(root, filepath.Clean(f.Path))
		if f.Dir {
			if err := os.MkdirAll(full, 0o755); err != nil {
				return &SetupError{Op: "mkdir", Path: f.Path, Err: err}
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return &SetupError{Op: "mkdir", Path: filepath.Dir(f.Path), Err: err}
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o600); err != nil {
			return &SetupError{Op: "write", Path: f.Path, Err: err}
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(filepath.Join(root, filepath.Clean(workDir)), 0o755); err != nil {
			return &SetupError{Op: "mkdir", Path: workDir, Err: err}
		}
	}

	// Modes are applied last, deepest first, so read-only directories do
	// not block the writes above.
	for i := len(ordered) - 1; i >= 0; i-- {
		f := ordered[i]
		full := filepath.Join(root, filepath.Clean(f.Path))
		if err := os.Chmod(full, f.FileMode()); err != nil {
			return &SetupError{Op: "chmod", Path: f.Path, Err: err}
		}
	}
	return nil
}

// removeAll deletes dir, restoring owner permissions on the way when the
// program left unwritable directories behind.
func removeAll(dir string) error {
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return &SetupError{Op: "remove", Path: dir, Err: err}
	}
	return nil
}
