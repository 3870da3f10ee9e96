//go:build linux

package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func appendLine(dir, file, line string) error {
	p := filepath.Join(dir, file)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func appendPid(dir, file string, pid int) error {
	return appendLine(dir, file, strconv.Itoa(pid))
}

// readPids parses the one-pid-per-line membership file. A missing
// file reads as an empty membership.
func readPids(dir, file string) ([]int, error) {
	p := filepath.Join(dir, file)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	var pids []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		pids = append(pids, pid)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return pids, nil
}

// writePids replaces the membership file's contents.
func writePids(dir, file string, pids []int) error {
	var lines []string
	for _, pid := range pids {
		lines = append(lines, strconv.Itoa(pid))
	}
	data := ""
	if len(lines) > 0 {
		data = strings.Join(lines, "\n") + "\n"
	}
	p := filepath.Join(dir, file)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// removePid rewrites the membership file without pid. Removing a pid
// that is not listed is a no-op.
func removePid(dir, file string, pid int) error {
	pids, err := readPids(dir, file)
	if err != nil {
		return err
	}
	var out []int
	for _, p := range pids {
		if p != pid {
			out = append(out, p)
		}
	}
	return writePids(dir, file, out)
}

// livePids reads a membership file and drops entries whose task no
// longer exists, rewriting the file when anything was dropped.
func livePids(dir, file string, alive func(int) bool) ([]int, error) {
	pids, err := readPids(dir, file)
	if err != nil {
		return nil, err
	}
	live := make([]int, 0, len(pids))
	for _, pid := range pids {
		if alive(pid) {
			live = append(live, pid)
		}
	}
	if len(live) != len(pids) {
		if err := writePids(dir, file, live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// pidAlive reports whether the process still exists. EPERM means it
// exists but belongs to someone else.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// tidAlive reports whether the task still exists. Thread ids are
// resolved through /proc, which exposes every task including
// non-leader threads.
func tidAlive(tid int) bool {
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(tid)))
	return err == nil
}
