package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"callcheck/internal/callspec"
)

// Entry is the recorded state of one path.
type Entry struct {
	Kind callspec.EntryKind
	Mode fs.FileMode
	Size int64
	// Digest is the sha256 of a file's content or a symlink's target.
	Digest string
}

// Snapshot maps slash-separated paths, relative to the snapshot base, to
// their state. The base itself is not recorded.
type Snapshot map[string]Entry

// Change is one entry of a filesystem delta.
type Change struct {
	Path   string              `json:"path"`
	Change callspec.ChangeKind `json:"change"`
	// Kind is the entry's type after the run, or before it for removals.
	Kind callspec.EntryKind `json:"kind"`
	// PrevKind is set when a modification changed the entry's type.
	PrevKind callspec.EntryKind `json:"prev_kind,omitempty"`
	Digest   string             `json:"digest,omitempty"`
	Size     int64              `json:"size,omitempty"`
	// Content holds the new content of created or modified regular files,
	// up to the configured limit.
	Content          []byte `json:"-"`
	ContentTruncated bool   `json:"content_truncated,omitempty"`
}

// TakeSnapshot walks root and records every entry below base, which must be
// root or a directory inside it. Paths outside base are recorded relative to
// it with ".." elements.
func TakeSnapshot(root, base string) (Snapshot, error) {
	snap := Snapshot{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && errors.Is(err, fs.ErrPermission) {
				// Unreadable directories are recorded without contents.
				return nil
			}
			return err
		}
		if path == root || path == base {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		e, err := statEntry(path, d)
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func statEntry(path string, d fs.DirEntry) (Entry, error) {
	info, err := d.Info()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Mode: info.Mode().Perm()}
	switch {
	case d.Type()&fs.ModeSymlink != 0:
		e.Kind = callspec.KindSymlink
		target, err := os.Readlink(path)
		if err != nil {
			return Entry{}, err
		}
		e.Digest = digestBytes([]byte(target))
	case d.IsDir():
		e.Kind = callspec.KindDir
	default:
		e.Kind = callspec.KindFile
		e.Size = info.Size()
		e.Digest, err = digestFile(path)
		if errors.Is(err, fs.ErrPermission) {
			// Unreadable files are compared by size and mode only.
			e.Digest, err = "", nil
		}
		if err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func digestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Diff lists the differences between two snapshots in path order.
func Diff(pre, post Snapshot) []Change {
	var out []Change
	for p, after := range post {
		before, existed := pre[p]
		switch {
		case !existed:
			out = append(out, Change{Path: p, Change: callspec.Created, Kind: after.Kind, Digest: after.Digest, Size: after.Size})
		case before.Kind != after.Kind:
			out = append(out, Change{Path: p, Change: callspec.Modified, Kind: after.Kind, PrevKind: before.Kind, Digest: after.Digest, Size: after.Size})
		case before != after:
			out = append(out, Change{Path: p, Change: callspec.Modified, Kind: after.Kind, Digest: after.Digest, Size: after.Size})
		}
	}
	for p, before := range pre {
		if _, ok := post[p]; !ok {
			out = append(out, Change{Path: p, Change: callspec.Removed, Kind: before.Kind})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// readContent loads the new content of changed regular files, up to limit
// bytes each.
func readContent(base string, delta []Change, limit int64) error {
	for i := range delta {
		c := &delta[i]
		if c.Change == callspec.Removed || c.Kind != callspec.KindFile {
			continue
		}
		f, err := os.Open(filepath.Join(base, filepath.FromSlash(c.Path)))
		if err != nil {
			if os.IsPermission(err) {
				continue
			}
			return err
		}
		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		f.Close()
		if err != nil {
			return err
		}
		if int64(len(data)) > limit {
			data = data[:limit]
			c.ContentTruncated = true
		}
		c.Content = data
	}
	return nil
}
