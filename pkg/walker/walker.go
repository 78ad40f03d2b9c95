// Package walker implements the depth-first, alpha-slash-sorted directory
// traversal that feeds entries to a sender during create (spec §4.G).
package walker

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/record"
)

// Sender is the subset of *sender.TarSender the walker needs, kept as an
// interface so tests can feed it a recording fake.
type Sender interface {
	SendInfo(info *record.Record) (bool, error)
	SendData(in io.Reader) error
}

// HookFunc runs a backup hook with the given %-substitution parameters
// (p, f, c at minimum); see pkg/hook.
type HookFunc func(params map[string]string) error

type inodeKey struct {
	dev, ino uint64
}

// Walker drives one archive's directory walk: sorted traversal, exclude
// matching, hardlink detection and a bracketing backup hook.
type Walker struct {
	root    string
	exclude []string

	hookPrefix string
	hook       HookFunc

	names     *record.NameCache
	hardlinks map[inodeKey]string
	rootDev   uint64
	haveDev   bool
}

// New creates a walker rooted at root (the directory whose contents are
// archived; archive-relative names are root-relative). exclude holds glob
// patterns matched with leading-directory semantics: excluding "build"
// also excludes everything under "build/" (§4.G supplement 2).
func New(root string, exclude []string) *Walker {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &Walker{
		root:      root,
		exclude:   exclude,
		names:     record.NewNameCache(),
		hardlinks: map[inodeKey]string{},
	}
}

// SetBackupHook arranges for hook to run with c=start immediately before,
// and c=end immediately after, the outermost entry whose archive-relative
// name has prefix (§4.G supplement 3). For a directory the c=end call
// follows its last descendant; descendants do not run the hook again.
// Sibling entries that each match prefix are bracketed one at a time.
func (w *Walker) SetBackupHook(prefix string, hook HookFunc) {
	w.hookPrefix = prefix
	w.hook = hook
}

// Walk traverses folder (relative to the walker's root, "" for the whole
// tree) in alpha-slash order, sending each entry's info and, when the
// sender asks for it, its data. The root itself ("") is not sent.
func (w *Walker) Walk(folder string, send Sender) error {
	return w.visit(folder, send)
}

func (w *Walker) excluded(name string) bool {
	for _, pattern := range w.exclude {
		pattern = strings.TrimSuffix(pattern, "/")
		parts := strings.Split(name, "/")
		prefix := ""
		for i, part := range parts {
			if i == 0 {
				prefix = part
			} else {
				prefix = prefix + "/" + part
			}
			if ok, _ := path.Match(pattern, prefix); ok {
				return true
			}
		}
	}
	return false
}

func (w *Walker) visit(rel string, send Sender) error {
	if rel != "" && w.excluded(rel) {
		return nil
	}

	full := filepath.Join(w.root, rel)
	fi, err := os.Lstat(full)
	if err != nil {
		return nil
	}

	hooked := w.hookPrefix != "" && strings.HasPrefix(rel, w.hookPrefix) &&
		!strings.HasPrefix(path.Dir(rel), w.hookPrefix)
	if hooked {
		if err := w.runHook(full, "start"); err != nil {
			return err
		}
	}

	info := &record.Record{}
	info.Set(rel, full, fi, w.names)

	if info.Kind == record.KindDir {
		dev, _ := record.Inode(fi)
		if !w.haveDev {
			w.rootDev = dev
			w.haveDev = true
		}
		if rel != "" {
			if _, err := send.SendInfo(info); err != nil {
				return err
			}
		}
		if dev == w.rootDev {
			if err := w.walkChildren(rel, send); err != nil {
				return err
			}
		}
	} else {
		var data io.Reader
		if info.Kind == record.KindFile {
			if sb, ok := fi.Sys().(*unix.Stat_t); ok && sb.Nlink > 1 {
				dev, ino := record.Inode(fi)
				key := inodeKey{dev, ino}
				if existing, found := w.hardlinks[key]; found {
					info.Kind = record.KindHard
					info.Linkname = existing
				} else {
					w.hardlinks[key] = rel
				}
			}
			if info.Kind == record.KindFile {
				f, err := os.Open(full)
				if err != nil {
					return nil
				}
				defer f.Close()
				data = f
			}
		}
		save, err := send.SendInfo(info)
		if err != nil {
			return err
		}
		if save && data != nil {
			if err := send.SendData(data); err != nil {
				return err
			}
		}
	}

	if hooked {
		if err := w.runHook(full, "end"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) walkChildren(rel string, send Sender) error {
	dir := filepath.Join(w.root, rel)
	entries, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		return fmt.Errorf("%w: read dir %s: %v", common.ErrFormat, dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return common.AlphaSort(entries[i].Name(), entries[j].Name()) < 0
	})
	for _, de := range entries {
		child := de.Name()
		if rel != "" {
			child = rel + "/" + child
		}
		if err := w.visit(child, send); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) runHook(full, phase string) error {
	dir, file := filepath.Split(full)
	return w.hook(map[string]string{
		"p": strings.TrimSuffix(dir, "/"),
		"f": file,
		"c": phase,
	})
}
