// Package hook runs the `%`-substituted shell commands isptar uses as its
// generic slice upload/download and backup bracketing hooks, plus the
// scoped privilege helpers the create/extract/client commands need
// (spec §5, §6 Hook command template).
package hook

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/beam-cloud/isptar/pkg/common"
)

// Script expands a `%`-keyed command template and runs it through
// /bin/sh, mirroring isptar_misc.cpp's Script.
type Script struct {
	command string
	params  map[byte]string
}

// NewScript wraps command, its `%x` placeholders filled in by AddParam.
func NewScript(command string) *Script {
	return &Script{command: command, params: map[byte]string{}}
}

// AddParam registers the replacement for a `%ch` placeholder.
func (s *Script) AddParam(ch byte, value string) {
	s.params[ch] = value
}

func (s *Script) expand() string {
	buf := make([]byte, 0, len(s.command))
	cmd := s.command
	for i := 0; i < len(cmd); i++ {
		if cmd[i] != '%' || i+1 >= len(cmd) {
			buf = append(buf, cmd[i])
			continue
		}
		ch := cmd[i+1]
		if v, ok := s.params[ch]; ok {
			buf = append(buf, v...)
		} else {
			buf = append(buf, ch)
		}
		i++
	}
	return string(buf)
}

// Do runs the expanded command via "/bin/sh -c", relaying its combined
// stdout/stderr to our own stderr and dropping to the real uid/gid before
// exec so a privilege-elevated caller's hook still runs unprivileged.
func (s *Script) Do() error {
	cmd := exec.Command("/bin/sh", "-c", s.expand())
	if devnull, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = devnull
		defer devnull.Close()
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
		},
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: hook command failed: %v", common.ErrFormat, err)
	}
	return nil
}

// Run adapts Do to the single-character %p/%f/%c parameter map the
// walker's backup-hook bracketing passes, letting a *Script be used
// directly as a walker.HookFunc without pkg/walker importing this package.
func (s *Script) Run(params map[string]string) error {
	for k, v := range params {
		if len(k) == 1 {
			s.AddParam(k[0], v)
		}
	}
	return s.Do()
}

// Su temporarily restores root's effective uid/gid when the real uid is
// root but the effective ids have already been dropped, so a privileged
// operation (e.g. chown during extract) can run without re-executing the
// whole process as root (isptar_misc.cpp::Su).
type Su struct {
	uid, gid int
}

// NewSu elevates, returning a no-op Su if the real uid isn't root or the
// effective ids are already root.
func NewSu() *Su {
	s := &Su{uid: -1, gid: -1}
	if os.Getuid() != 0 {
		return s
	}
	if euid := os.Geteuid(); euid != 0 {
		if err := unix.Seteuid(0); err == nil {
			s.uid = euid
		}
	}
	if egid := os.Getegid(); egid != 0 {
		if err := unix.Setegid(0); err == nil {
			s.gid = egid
		}
	}
	return s
}

// Release restores the effective ids NewSu elevated from. Safe to call
// more than once.
func (s *Su) Release() {
	if s.gid > 0 {
		unix.Setegid(s.gid)
	}
	if s.uid > 0 {
		unix.Seteuid(s.uid)
	}
	s.uid, s.gid = -1, -1
}

// DropPrivileges resolves username (numeric uid or a passwd name),
// applies its supplementary groups, gid and uid to the current process's
// effective ids (the real ids are left unchanged), and returns the resolved uid/gid for callers
// that need to chown files as that user (isptar.cpp::SetEUid, used by
// create/extract/client's `-U`/`--user`).
func DropPrivileges(username string) (uid, gid int, err error) {
	var u *user.User
	if _, convErr := strconv.Atoi(username); convErr == nil {
		u, err = user.LookupId(username)
	} else {
		u, err = user.Lookup(username)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: unknown user %q: %v", common.ErrFormat, username, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad uid for %q: %v", common.ErrFormat, username, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad gid for %q: %v", common.ErrFormat, username, err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lookup groups for %q: %v", common.ErrFormat, username, err)
	}
	groups := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		if n, err := strconv.Atoi(g); err == nil {
			groups = append(groups, n)
		}
	}
	if err := unix.Setgroups(groups); err != nil {
		return 0, 0, fmt.Errorf("%w: setgroups for %q: %v", common.ErrFormat, username, err)
	}
	if err := unix.Setegid(gid); err != nil {
		return 0, 0, fmt.Errorf("%w: setegid for %q: %v", common.ErrFormat, username, err)
	}
	if err := unix.Seteuid(uid); err != nil {
		return 0, 0, fmt.Errorf("%w: seteuid for %q: %v", common.ErrFormat, username, err)
	}
	return uid, gid, nil
}
