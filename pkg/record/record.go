// Package record implements the per-entry file metadata record used by
// both the catalog's tab-separated listing lines and the TAR codec's
// header fields (spec §3 Catalog, §4.D).
package record

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/beam-cloud/isptar/pkg/common"
)

// Kind enumerates the entry types a Record can describe, matching the
// USTAR typeflag values tarcodec writes.
type Kind byte

const (
	KindFile    Kind = '0'
	KindHard    Kind = '1'
	KindSymlink Kind = '2'
	KindChar    Kind = '3'
	KindBlock   Kind = '4'
	KindDir     Kind = '5'
	KindFifo    Kind = '6'
)

// Record describes one filesystem entry: its catalog line fields and
// enough metadata to recreate it on disk.
type Record struct {
	Filename string
	Linkname string
	User     string
	Group    string

	Size      int64
	Time      int64
	Mode      int
	Kind      Kind
	Uid       int
	Gid       int
	Devmajor  int
	Devminor  int
}

// NameCache resolves uid/gid to names, caching per walk instance rather
// than process-wide, matching the original's per-archive-run m_user/
// m_group maps.
type NameCache struct {
	users  map[int]string
	groups map[int]string
}

func NewNameCache() *NameCache {
	return &NameCache{users: map[int]string{}, groups: map[int]string{}}
}

func (c *NameCache) userName(uid int) string {
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

func (c *NameCache) groupName(gid int) string {
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}

// Set fills r from a live os.FileInfo plus its raw stat_t, as produced by
// a directory walk (§4.D, §4.G). name is the archive-relative path stored
// in the catalog; fullPath is where fi was actually lstat'd, needed to
// resolve a symlink's target.
func (r *Record) Set(name, fullPath string, fi os.FileInfo, names *NameCache) {
	sb := fi.Sys().(*unix.Stat_t)
	r.Filename = name
	r.Mode = int(sb.Mode & 07777)
	r.Uid = int(sb.Uid)
	r.User = names.userName(r.Uid)
	r.Gid = int(sb.Gid)
	r.Group = names.groupName(r.Gid)
	r.Time = sb.Mtim.Sec
	r.Size = 0
	r.Devmajor = 0
	r.Devminor = 0
	r.Linkname = ""

	switch sb.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		r.Kind = KindDir
	case unix.S_IFLNK:
		r.Kind = KindSymlink
		if link, err := os.Readlink(fullPath); err == nil {
			r.Linkname = link
		}
	case unix.S_IFCHR:
		r.Kind = KindChar
		r.Devmajor = int(unix.Major(sb.Rdev))
		r.Devminor = int(unix.Minor(sb.Rdev))
	case unix.S_IFBLK:
		r.Kind = KindBlock
		r.Devmajor = int(unix.Major(sb.Rdev))
		r.Devminor = int(unix.Minor(sb.Rdev))
	case unix.S_IFIFO:
		r.Kind = KindFifo
	case unix.S_IFREG:
		r.Kind = KindFile
		r.Size = sb.Size
	default:
		r.Kind = KindFile
	}
}

// Inode returns the device/inode pair used for hardlink detection during
// a walk (§4.F step 2).
func Inode(fi os.FileInfo) (dev, ino uint64) {
	sb := fi.Sys().(*unix.Stat_t)
	return uint64(sb.Dev), sb.Ino
}

// EncodeFileName escapes tab, newline and backslash for the catalog's
// tab-separated line format (§3 Catalog). Other control bytes are
// written unescaped.
func EncodeFileName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(name[i])
		}
	}
	return b.String()
}

// DecodeFileName reverses EncodeFileName.
func DecodeFileName(name string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] != '\\' {
			b.WriteByte(name[i])
			continue
		}
		if i+1 >= len(name) {
			return "", fmt.Errorf("%w: bad encoded filename %q", common.ErrFormat, name)
		}
		switch name[i+1] {
		case '\\':
			b.WriteByte('\\')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		default:
			return "", fmt.Errorf("%w: bad encoded filename %q", common.ErrFormat, name)
		}
		i++
	}
	return b.String(), nil
}

// Str renders r as one tab-separated catalog line (§3 Catalog).
func (r *Record) Str() string {
	fields := []string{
		EncodeFileName(r.Filename),
		r.User + "#" + strconv.Itoa(r.Uid),
		r.Group + "#" + strconv.Itoa(r.Gid),
		strconv.Itoa(r.Mode),
	}
	switch r.Kind {
	case KindFile:
		fields = append(fields, "file", strconv.FormatInt(r.Time, 10), strconv.FormatInt(r.Size, 10))
	case KindHard:
		fields = append(fields, "hard", EncodeFileName(r.Linkname))
	case KindSymlink:
		fields = append(fields, "link", EncodeFileName(r.Linkname))
	case KindChar:
		fields = append(fields, "char", strconv.Itoa(r.Devmajor), strconv.Itoa(r.Devminor))
	case KindBlock:
		fields = append(fields, "block", strconv.Itoa(r.Devmajor), strconv.Itoa(r.Devminor))
	case KindDir:
		fields = append(fields, "dir")
	case KindFifo:
		fields = append(fields, "fifo")
	}
	return strings.Join(fields, "\t")
}

// Parse fills r from one catalog line as produced by Str.
func (r *Record) Parse(line string) error {
	fields := strings.Split(line, "\t")
	if len(fields) < 5 {
		return fmt.Errorf("%w: short catalog line %q", common.ErrFormat, line)
	}
	var err error
	if r.Filename, err = DecodeFileName(fields[0]); err != nil {
		return err
	}
	r.User, r.Uid, err = splitNameID(fields[1])
	if err != nil {
		return err
	}
	r.Group, r.Gid, err = splitNameID(fields[2])
	if err != nil {
		return err
	}
	if r.Mode, err = strconv.Atoi(fields[3]); err != nil {
		return fmt.Errorf("%w: bad mode in %q: %v", common.ErrFormat, line, err)
	}
	r.Size, r.Time, r.Devmajor, r.Devminor = 0, 0, 0, 0
	r.Linkname = ""

	rest := fields[4:]
	switch fields[4] {
	case "file":
		r.Kind = KindFile
		if len(rest) < 3 {
			return fmt.Errorf("%w: short file record %q", common.ErrFormat, line)
		}
		if r.Time, err = strconv.ParseInt(rest[1], 10, 64); err != nil {
			return fmt.Errorf("%w: bad mtime in %q: %v", common.ErrFormat, line, err)
		}
		if r.Size, err = strconv.ParseInt(rest[2], 10, 64); err != nil {
			return fmt.Errorf("%w: bad size in %q: %v", common.ErrFormat, line, err)
		}
	case "dir":
		r.Kind = KindDir
	case "link":
		r.Kind = KindSymlink
		if len(rest) < 2 {
			return fmt.Errorf("%w: short link record %q", common.ErrFormat, line)
		}
		if r.Linkname, err = DecodeFileName(rest[1]); err != nil {
			return err
		}
	case "hard":
		r.Kind = KindHard
		if len(rest) < 2 {
			return fmt.Errorf("%w: short hard-link record %q", common.ErrFormat, line)
		}
		if r.Linkname, err = DecodeFileName(rest[1]); err != nil {
			return err
		}
	case "char", "block":
		if fields[4] == "char" {
			r.Kind = KindChar
		} else {
			r.Kind = KindBlock
		}
		if len(rest) < 3 {
			return fmt.Errorf("%w: short device record %q", common.ErrFormat, line)
		}
		if r.Devmajor, err = strconv.Atoi(rest[1]); err != nil {
			return fmt.Errorf("%w: bad devmajor in %q: %v", common.ErrFormat, line, err)
		}
		if r.Devminor, err = strconv.Atoi(rest[2]); err != nil {
			return fmt.Errorf("%w: bad devminor in %q: %v", common.ErrFormat, line, err)
		}
	case "fifo":
		r.Kind = KindFifo
	default:
		return fmt.Errorf("%w: unknown entry kind %q in %q", common.ErrFormat, fields[4], line)
	}
	return nil
}

func splitNameID(field string) (string, int, error) {
	pos := strings.LastIndexByte(field, '#')
	if pos < 0 {
		return "", 0, fmt.Errorf("%w: bad name#id field %q", common.ErrFormat, field)
	}
	id, err := strconv.Atoi(field[pos+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad id in %q: %v", common.ErrFormat, field, err)
	}
	return field[:pos], id, nil
}

// Equal compares two records the way diff mode does: mode is
// deliberately excluded (spec.md §9 open question 1 — kept unswitched),
// and mtime/size only matter for regular files.
func (r *Record) Equal(o *Record) bool {
	if r.Filename != o.Filename || r.Kind != o.Kind || r.Uid != o.Uid || r.Gid != o.Gid ||
		r.Devmajor != o.Devmajor || r.Devminor != o.Devminor || r.Linkname != o.Linkname {
		return false
	}
	if r.Kind == KindFile && (r.Time != o.Time || r.Size != o.Size) {
		return false
	}
	return true
}

// dirHandle is one entry of the directory-fd stack Create walks down,
// granting u+rwx on a directory only while a descendant is being
// created and restoring its original mode on Close.
type dirHandle struct {
	fd       int
	granted  bool
	origMode uint32
}

func openDir(parent int, name string) (int, error) {
	if parent < 0 {
		return unix.Open(name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	}
	return unix.Openat(parent, name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
}

func (d *dirHandle) grantWrite() error {
	if d.granted {
		return nil
	}
	var sb unix.Stat_t
	if err := unix.Fstat(d.fd, &sb); err != nil {
		return fmt.Errorf("%w: stat folder for perms: %v", common.ErrFormat, err)
	}
	d.origMode = sb.Mode & 07777
	d.granted = true
	if d.origMode&0700 != 0700 {
		return unix.Fchmod(d.fd, 07777&(d.origMode|0700))
	}
	return nil
}

func (d *dirHandle) restore() {
	if d.granted && d.origMode&0700 != 0700 {
		unix.Fchmod(d.fd, 07777&int(d.origMode))
	}
	unix.Close(d.fd)
}

// Walk tracks the open directory-fd stack across a sequence of Create
// calls that share a common leading path, so sibling entries in the same
// directory reuse one open fd instead of re-walking from prefix each
// time (§4.D FileInfo::Create).
type Walk struct {
	prefix string
	dirs   []string
	fds    []*dirHandle
}

// NewWalk starts a directory-fd walk rooted at prefix, the destination
// directory an archive is extracted into.
func NewWalk(prefix string) *Walk {
	return &Walk{prefix: prefix}
}

// Close releases every directory fd still held open, restoring any
// granted write permission.
func (w *Walk) Close() {
	for _, d := range w.fds {
		d.restore()
	}
	w.dirs = nil
	w.fds = nil
}

func (w *Walk) reset() error {
	w.Close()
	fd, err := openDir(-1, w.prefix)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrFormat, w.prefix, err)
	}
	w.dirs = []string{"./" + w.prefix}
	w.fds = []*dirHandle{{fd: fd}}
	return nil
}

// Create materializes r under w's root, opening or reusing directory fds
// for every leading path component.
func (w *Walk) Create(r *Record) error {
	if len(w.fds) == 0 || w.dirs[0] != "./"+w.prefix {
		if err := w.reset(); err != nil {
			return err
		}
	}

	parts := strings.Split(r.Filename, "/")
	leaf := parts[len(parts)-1]
	dirs := parts[:len(parts)-1]

	i := 1
	for i < len(dirs)+1 && i < len(w.dirs) {
		if dirs[i-1] != w.dirs[i] {
			break
		}
		i++
	}
	for _, d := range w.fds[i:] {
		d.restore()
	}
	w.dirs = w.dirs[:i]
	w.fds = w.fds[:i]

	fd := w.fds[len(w.fds)-1].fd
	for _, component := range dirs[i-1:] {
		next, err := openDir(fd, component)
		if err != nil {
			if err == unix.ENOENT {
				if err := unix.Mkdirat(fd, component, 0777); err != nil {
					return fmt.Errorf("%w: mkdir %s: %v", common.ErrFormat, component, err)
				}
				next, err = openDir(fd, component)
			}
			if err != nil {
				return fmt.Errorf("%w: open folder %s: %v", common.ErrFormat, component, err)
			}
		}
		fd = next
		w.dirs = append(w.dirs, component)
		w.fds = append(w.fds, &dirHandle{fd: fd})
	}

	parent := w.fds[len(w.fds)-1]
	if err := parent.grantWrite(); err != nil {
		return err
	}

	createdFd, err := createEntry(w.fds[0].fd, parent.fd, leaf, r)
	if err != nil {
		return err
	}
	if r.Kind == KindDir {
		w.dirs = append(w.dirs, r.Filename)
		w.fds = append(w.fds, &dirHandle{fd: createdFd})
	} else if createdFd >= 0 {
		unix.Close(createdFd)
	}
	return nil
}

// CreateFile materializes a regular file's payload, reading exactly
// r.Size bytes from in.
func (w *Walk) CreateFile(r *Record, in io.Reader) error {
	if len(w.fds) == 0 {
		return fmt.Errorf("%w: CreateFile called before Create", common.ErrFormat)
	}
	parent := w.fds[len(w.fds)-1]
	fd, err := createEntry(w.fds[0].fd, parent.fd, lastComponent(r.Filename), r)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	f := os.NewFile(uintptr(fd), r.Filename)
	left := r.Size
	buf := make([]byte, 64*1024)
	for left > 0 {
		n := int64(len(buf))
		if left < n {
			n = left
		}
		read, err := io.ReadFull(in, buf[:n])
		if err != nil {
			return fmt.Errorf("%w: read payload for %s: %v", common.ErrFormat, r.Filename, err)
		}
		if _, err := f.Write(buf[:read]); err != nil {
			return fmt.Errorf("%w: write %s: %v", common.ErrFormat, r.Filename, err)
		}
		left -= int64(read)
	}
	now := time.Now()
	mtime := time.Unix(r.Time, 0)
	unix.Futimes(fd, []unix.Timeval{
		unix.NsecToTimeval(now.UnixNano()),
		unix.NsecToTimeval(mtime.UnixNano()),
	})
	return nil
}

func lastComponent(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func removeExisting(fd int, name string) {
	var sb unix.Stat_t
	if unix.Fstatat(fd, name, &sb, unix.AT_SYMLINK_NOFOLLOW) != nil {
		return
	}
	if sb.Mode&unix.S_IFMT != unix.S_IFDIR {
		unix.Unlinkat(fd, name, 0)
		return
	}
	dfd, err := openDir(fd, name)
	if err != nil {
		return
	}
	defer unix.Close(dfd)
	dir := os.NewFile(uintptr(dfd), name)
	entries, _ := dir.Readdirnames(-1)
	for _, e := range entries {
		removeExisting(dfd, e)
	}
	unix.Unlinkat(fd, name, unix.AT_REMOVEDIR)
}

func setOwnerMode(fd, uid, gid, mode int) error {
	if err := unix.Fchmod(fd, uint32(mode)); err != nil {
		return err
	}
	if os.Geteuid() == 0 {
		return unix.Fchown(fd, uid, gid)
	}
	return nil
}

// createEntry creates one filesystem object of the type r.Kind describes
// inside the directory fd, removing whatever previously occupied that
// name first. rootFd anchors hardlink targets, which the catalog stores
// relative to the extraction root rather than the current directory.
func createEntry(rootFd, fd int, name string, r *Record) (int, error) {
	if r.Kind == KindDir {
		var sb unix.Stat_t
		exists := unix.Fstatat(fd, name, &sb, unix.AT_SYMLINK_NOFOLLOW) == nil
		if exists && sb.Mode&unix.S_IFMT != unix.S_IFDIR {
			unix.Unlinkat(fd, name, 0)
			exists = false
		}
		if !exists {
			if err := unix.Mkdirat(fd, name, uint32(r.Mode)); err != nil {
				return -1, fmt.Errorf("%w: mkdir %s: %v", common.ErrFormat, name, err)
			}
		}
		dfd, err := openDir(fd, name)
		if err != nil {
			return -1, fmt.Errorf("%w: open dir %s: %v", common.ErrFormat, name, err)
		}
		if err := setOwnerMode(dfd, r.Uid, r.Gid, r.Mode); err != nil {
			return -1, fmt.Errorf("%w: set owner/mode on %s: %v", common.ErrFormat, name, err)
		}
		return dfd, nil
	}

	removeExisting(fd, name)
	switch r.Kind {
	case KindFile:
		newFd, err := unix.Openat(fd, name, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY, uint32(r.Mode))
		if err != nil {
			return -1, fmt.Errorf("%w: create file %s: %v", common.ErrFormat, name, err)
		}
		if err := setOwnerMode(newFd, r.Uid, r.Gid, r.Mode); err != nil {
			return -1, fmt.Errorf("%w: set owner/mode on %s: %v", common.ErrFormat, name, err)
		}
		return newFd, nil
	case KindSymlink:
		if err := unix.Symlinkat(r.Linkname, fd, name); err != nil {
			return -1, fmt.Errorf("%w: symlink %s: %v", common.ErrFormat, name, err)
		}
		unix.Fchmodat(fd, name, uint32(r.Mode), unix.AT_SYMLINK_NOFOLLOW)
		if os.Geteuid() == 0 {
			unix.Fchownat(fd, name, r.Uid, r.Gid, unix.AT_SYMLINK_NOFOLLOW)
		}
		return -1, nil
	case KindHard:
		if err := unix.Linkat(rootFd, r.Linkname, fd, name, 0); err != nil {
			return -1, fmt.Errorf("%w: hardlink %s: %v", common.ErrFormat, name, err)
		}
		return -1, nil
	case KindChar, KindBlock:
		dev := unix.Mkdev(uint32(r.Devmajor), uint32(r.Devminor))
		if err := unix.Mknodat(fd, name, uint32(r.Mode), int(dev)); err != nil {
			return -1, fmt.Errorf("%w: mknod %s: %v", common.ErrFormat, name, err)
		}
		newFd, err := unix.Openat(fd, name, unix.O_RDONLY, 0)
		if err != nil {
			return -1, fmt.Errorf("%w: open node %s: %v", common.ErrFormat, name, err)
		}
		if err := setOwnerMode(newFd, r.Uid, r.Gid, r.Mode); err != nil {
			return -1, fmt.Errorf("%w: set owner/mode on %s: %v", common.ErrFormat, name, err)
		}
		return newFd, nil
	case KindFifo:
		if err := unix.Mkfifoat(fd, name, uint32(r.Mode)); err != nil {
			return -1, fmt.Errorf("%w: mkfifo %s: %v", common.ErrFormat, name, err)
		}
		newFd, err := unix.Openat(fd, name, unix.O_RDONLY, 0)
		if err != nil {
			return -1, fmt.Errorf("%w: open fifo %s: %v", common.ErrFormat, name, err)
		}
		if err := setOwnerMode(newFd, r.Uid, r.Gid, r.Mode); err != nil {
			return -1, fmt.Errorf("%w: set owner/mode on %s: %v", common.ErrFormat, name, err)
		}
		return newFd, nil
	}
	return -1, fmt.Errorf("%w: unknown entry kind for %s", common.ErrFormat, name)
}
