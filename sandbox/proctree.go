package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// TreeUsage is a snapshot of a runner's process tree.
type TreeUsage struct {
	PIDs     []int
	Tasks    int
	RSSBytes int64
}

// TreeSampler finds every process that belongs to a run: members of the
// process group rooted at pgid, their descendants, and anything owned by uid.
type TreeSampler interface {
	Sample(pgid, uid int) (TreeUsage, error)
}

// ProcSampler samples the tree from /proc.
type ProcSampler struct {
	fs   procfs.FS
	self int
}

// NewProcSampler opens the default procfs mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs, self: os.Getpid()}, nil
}

type procEntry struct {
	pid, ppid, pgrp int
	threads         int
	rss             int64
	proc            procfs.Proc
}

// Sample implements TreeSampler. Zombies and processes that vanish while
// being read are skipped.
func (s *ProcSampler) Sample(pgid, uid int) (TreeUsage, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return TreeUsage{}, fmt.Errorf("failed to list processes: %w", err)
	}

	entries := make(map[int]procEntry, len(procs))
	children := make(map[int][]int)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil || stat.State == "Z" {
			continue
		}
		entries[stat.PID] = procEntry{
			pid:     stat.PID,
			ppid:    stat.PPID,
			pgrp:    stat.PGRP,
			threads: stat.NumThreads,
			rss:     int64(stat.ResidentMemory()),
			proc:    p,
		}
		children[stat.PPID] = append(children[stat.PPID], stat.PID)
	}

	matchUID := uid > 0 && uid != os.Getuid()
	member := make(map[int]bool)
	var queue []int
	for pid, e := range entries {
		if pid == s.self {
			continue
		}
		if e.pgrp == pgid || pid == pgid || (matchUID && ownedBy(e.proc, uid)) {
			member[pid] = true
			queue = append(queue, pid)
		}
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if !member[child] && child != s.self {
				member[child] = true
				queue = append(queue, child)
			}
		}
	}

	var usage TreeUsage
	for pid := range member {
		e := entries[pid]
		usage.PIDs = append(usage.PIDs, pid)
		usage.Tasks += e.threads
		usage.RSSBytes += e.rss
	}
	return usage, nil
}

func ownedBy(p procfs.Proc, uid int) bool {
	status, err := p.NewStatus()
	if err != nil {
		return false
	}
	return status.UIDs[0] == uint64(uid) || status.UIDs[1] == uint64(uid)
}

// killTree sends SIGKILL to the process group and then sweeps until nothing
// of the run is left or ctx expires. A runner that forks between sweeps is
// caught by the next one.
func killTree(ctx context.Context, sampler TreeSampler, pgid, uid int) error {
	if pgid > 0 {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
	if sampler == nil {
		return nil
	}

	for {
		usage, err := sampler.Sample(pgid, uid)
		if err != nil {
			return err
		}
		if len(usage.PIDs) == 0 {
			return nil
		}
		for _, pid := range usage.PIDs {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("failed to kill %d: %w", pid, err)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("process tree still alive: %v", usage.PIDs)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
