package initstage

import (
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// SysOps is the set of system calls the init stage makes.
type SysOps interface {
	NonLoopbackInterfaces() ([]string, error)
	Setgroups(gids []int) error
	Getgroups() ([]int, error)
	Setresgid(rgid, egid, sgid int) error
	Setresuid(ruid, euid, suid int) error
	Getresuid() (ruid, euid, suid int)
	Getresgid() (rgid, egid, sgid int)
	EffectiveCaps() (uint64, error)
	Setrlimit(resource int, lim *unix.Rlimit) error
	Getrlimit(resource int, lim *unix.Rlimit) error
	SetNoNewPrivs() error
	Chdir(dir string) error
	LookPath(file string, env []string) (string, error)
	Exec(argv0 string, argv, env []string) error
}

// Run switches identity, installs the ceilings and executes the runner. With
// LinuxOps it only returns on failure, always with a *StageError.
func Run(plan Plan, ops SysOps) error {
	if plan.NetworkIsolated {
		names, err := ops.NonLoopbackInterfaces()
		if err != nil {
			return stageErrorf(KindLimits, "listing network interfaces: %v", err)
		}
		if len(names) > 0 {
			return stageErrorf(KindLimits, "network is reachable through %s", strings.Join(names, ", "))
		}
	}

	if err := switchIdentity(plan.UID, plan.GID, ops); err != nil {
		return err
	}

	if err := ops.Chdir(plan.Workdir); err != nil {
		return stageErrorf(KindExec, "entering workspace: %v", err)
	}
	path, err := ops.LookPath(plan.Argv[0], plan.Env)
	if err != nil {
		return stageErrorf(KindExec, "resolving runner %q: %v", plan.Argv[0], err)
	}

	for _, rl := range plan.Rlimits {
		want := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := ops.Setrlimit(rl.Resource, &want); err != nil {
			return stageErrorf(KindLimits, "setting %s limit: %v", rl.Name, err)
		}
		var got unix.Rlimit
		if err := ops.Getrlimit(rl.Resource, &got); err != nil {
			return stageErrorf(KindLimits, "reading back %s limit: %v", rl.Name, err)
		}
		if got != want {
			return stageErrorf(KindLimits, "%s limit is %d/%d, want %d/%d", rl.Name, got.Cur, got.Max, want.Cur, want.Max)
		}
	}

	if err := ops.SetNoNewPrivs(); err != nil {
		return stageErrorf(KindPrivilege, "setting no_new_privs: %v", err)
	}

	if err := ops.Exec(path, plan.Argv, plan.Env); err != nil {
		return stageErrorf(KindExec, "executing %s: %v", path, err)
	}
	return nil
}

// switchIdentity drops to uid/gid and then checks the result by asking the
// kernel, not by trusting the return codes.
func switchIdentity(uid, gid int, ops SysOps) error {
	if err := ops.Setgroups([]int{}); err != nil {
		return stageErrorf(KindPrivilege, "clearing supplementary groups: %v", err)
	}
	if err := ops.Setresgid(gid, gid, gid); err != nil {
		return stageErrorf(KindPrivilege, "setresgid(%d): %v", gid, err)
	}
	if err := ops.Setresuid(uid, uid, uid); err != nil {
		return stageErrorf(KindPrivilege, "setresuid(%d): %v", uid, err)
	}

	if r, e, s := ops.Getresuid(); r != uid || e != uid || s != uid {
		return stageErrorf(KindPrivilege, "uid is %d/%d/%d after switching to %d", r, e, s, uid)
	}
	if r, e, s := ops.Getresgid(); r != gid || e != gid || s != gid {
		return stageErrorf(KindPrivilege, "gid is %d/%d/%d after switching to %d", r, e, s, gid)
	}
	groups, err := ops.Getgroups()
	if err != nil {
		return stageErrorf(KindPrivilege, "reading supplementary groups: %v", err)
	}
	if len(groups) > 0 {
		return stageErrorf(KindPrivilege, "supplementary groups still present: %v", groups)
	}
	caps, err := ops.EffectiveCaps()
	if err != nil {
		return stageErrorf(KindPrivilege, "reading effective capabilities: %v", err)
	}
	if caps != 0 {
		return stageErrorf(KindPrivilege, "effective capabilities still set: %#x", caps)
	}
	if err := ops.Setresuid(0, 0, 0); err == nil {
		return stageErrorf(KindPrivilege, "switching back to root succeeded")
	}
	return nil
}

// Main is the entry point of the init stage. It never returns.
func Main() {
	runtime.LockOSThread()
	runtime.GOMAXPROCS(1)

	unix.CloseOnExec(StatusFD)
	status := os.NewFile(StatusFD, "status")

	plan, err := DecodePlan(os.NewFile(PlanFD, "plan"))
	if err != nil {
		fail(status, stageErrorf(KindExec, "%v", err))
	}

	fail(status, Run(plan, LinuxOps{}))
}

func fail(status *os.File, err error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = stageErrorf(KindExec, "%v", err)
	}
	_ = json.NewEncoder(status).Encode(se)
	_ = status.Close()
	os.Exit(1)
}
