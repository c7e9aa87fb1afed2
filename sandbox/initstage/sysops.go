package initstage

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LinuxOps implements SysOps with real system calls.
type LinuxOps struct{}

func (LinuxOps) NonLoopbackInterfaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback == 0 {
			names = append(names, iface.Name)
		}
	}
	return names, nil
}

func (LinuxOps) Setgroups(gids []int) error { return unix.Setgroups(gids) }
func (LinuxOps) Getgroups() ([]int, error) { return unix.Getgroups() }
func (LinuxOps) Setresgid(rgid, egid, sgid int) error { return unix.Setresgid(rgid, egid, sgid) }
func (LinuxOps) Setresuid(ruid, euid, suid int) error { return unix.Setresuid(ruid, euid, suid) }
func (LinuxOps) Getresuid() (ruid, euid, suid int) { return unix.Getresuid() }
func (LinuxOps) Getresgid() (rgid, egid, sgid int) { return unix.Getresgid() }
func (LinuxOps) Setrlimit(r int, lim *unix.Rlimit) error { return unix.Setrlimit(r, lim) }
func (LinuxOps) Getrlimit(r int, lim *unix.Rlimit) error { return unix.Getrlimit(r, lim) }
func (LinuxOps) Chdir(dir string) error { return unix.Chdir(dir) }

func (LinuxOps) SetNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

func (LinuxOps) Exec(argv0 string, argv, env []string) error {
	return unix.Exec(argv0, argv, env)
}

// EffectiveCaps reads the CapEff mask of the calling process.
func (LinuxOps) EffectiveCaps() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseCapEff(f)
}

// LookPath resolves file against the PATH found in env, not the PATH of the
// init stage itself.
func (LinuxOps) LookPath(file string, env []string) (string, error) {
	if strings.Contains(file, "/") {
		return file, checkExecutable(file)
	}
	for _, kv := range env {
		path, ok := strings.CutPrefix(kv, "PATH=")
		if !ok {
			continue
		}
		for _, dir := range filepath.SplitList(path) {
			candidate := filepath.Join(dir, file)
			if checkExecutable(candidate) == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%s: executable file not found in PATH", file)
}

func checkExecutable(path string) error {
	return unix.Access(path, unix.X_OK)
}

func parseCapEff(r io.Reader) (uint64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "CapEff:")
		if !ok {
			continue
		}
		return strconv.ParseUint(strings.TrimSpace(value), 16, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("CapEff not found")
}
