// Package agentrt launches external coding-agent CLIs and tracks their
// sessions. Each supported agent is a Runtime; the executor talks only to the
// interface so tests can substitute a fake.
package agentrt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/transcript"
)

// RunRequest describes one agent session to launch.
type RunRequest struct {
	Prompt  string
	WorkDir string

	// OnPid is invoked once the external process has started, before waiting
	// for it. The executor persists the pid for crash-recovery liveness
	// checks.
	OnPid func(pid int)
}

// SessionResult is the outcome of a completed (or failed) session.
type SessionResult struct {
	SessionID      string
	Output         string
	TranscriptPath string

	// ExitErr is the process wait error, nil on exit status 0. Kept as a
	// field rather than returned so callers always get the partial output
	// and transcript path for classification.
	ExitErr error
}

// Runtime is one supported external agent CLI.
type Runtime interface {
	Name() string

	// RunSession starts a fresh agent session in the given working directory
	// and blocks until it exits or ctx is done.
	RunSession(ctx context.Context, req RunRequest) (*SessionResult, error)

	// ResumeSession continues a prior session with additional instructions.
	ResumeSession(ctx context.Context, sessionID string, req RunRequest) (*SessionResult, error)

	// DetectNewSession reports the most recent session created or touched in
	// workDir after since, or "" when none exists. Used both to correlate a
	// finished run with its transcript and as post-crash evidence that an
	// orphaned execution did real work.
	DetectNewSession(workDir string, since time.Time) (sessionID string, transcriptPath string)

	// TranscriptEvents parses the runtime's own session format into the
	// normalized event stream for classification.
	TranscriptEvents(transcriptPath string) ([]transcript.Event, error)

	// IsProcessAlive reports whether the pid still refers to a live process.
	IsProcessAlive(pid int) bool
}

// Registry holds the closed set of supported runtimes. Construction is
// explicit; there is no init-time registration.
type Registry struct {
	defaultName string
	runtimes    map[string]Runtime
}

// NewRegistry builds the registry from config. The supported set is fixed:
// claude, openclaw, pimono.
func NewRegistry(cfg model.RuntimesConfig) *Registry {
	return &Registry{
		defaultName: cfg.Default,
		runtimes: map[string]Runtime{
			"claude":   newClaudeRuntime(cfg.Claude),
			"openclaw": newLinearRuntime("openclaw", cfg.OpenClaw, ".openclaw"),
			"pimono":   newLinearRuntime("pimono", cfg.PiMono, ".pimono"),
		},
	}
}

// Get resolves a runtime by name; the empty string means the configured
// default.
func (r *Registry) Get(name string) (Runtime, error) {
	if name == "" {
		name = r.defaultName
	}
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent runtime %q (supported: %v)", name, r.Names())
	}
	return rt, nil
}

// Names returns the supported runtime names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
