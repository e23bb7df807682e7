package agentrt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// spawn runs the agent binary and waits for it. The wait error is returned
// separately from launch errors: a non-zero exit still produced output worth
// classifying, a failed launch did not.
func spawn(ctx context.Context, binary string, args []string, workDir, stdin string, onPid func(int)) (string, error, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workDir
	// Clear CLAUDECODE so agents can be launched from inside a parent agent
	// session.
	cmd.Env = filterEnv(os.Environ(), "CLAUDECODE")
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("start %s: %w", binary, err)
	}
	if onPid != nil {
		onPid(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	if waitErr != nil && stderr.Len() > 0 {
		waitErr = fmt.Errorf("%w: %s", waitErr, truncateLine(stderr.String(), 500))
	}
	return stdout.String(), waitErr, nil
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func truncateLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// newestSessionFile returns the *.jsonl file in dir most recently modified
// after since, or "" when none qualifies.
func newestSessionFile(dir string, since time.Time) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.After(since) && mod.After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = mod
		}
	}
	return newest
}

func sessionIDFromPath(path string) string {
	if path == "" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}
