package agentrt

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/transcript"
)

// linearRuntime drives CLIs whose session files are flat JSONL event lists
// (openclaw, pimono). Both take the prompt on stdin in non-interactive mode
// and differ only in binary, flags, and session directory.
type linearRuntime struct {
	name    string
	cfg     model.RuntimeBinaryConfig
	homeDir string // dot-directory under $HOME holding sessions
}

func newLinearRuntime(name string, cfg model.RuntimeBinaryConfig, homeDir string) *linearRuntime {
	return &linearRuntime{name: name, cfg: cfg, homeDir: homeDir}
}

func (l *linearRuntime) Name() string { return l.name }

func (l *linearRuntime) RunSession(ctx context.Context, req RunRequest) (*SessionResult, error) {
	return l.run(ctx, req, nil)
}

func (l *linearRuntime) ResumeSession(ctx context.Context, sessionID string, req RunRequest) (*SessionResult, error) {
	return l.run(ctx, req, []string{"--resume", sessionID})
}

func (l *linearRuntime) run(ctx context.Context, req RunRequest, extra []string) (*SessionResult, error) {
	args := []string{"run", "--non-interactive"}
	args = append(args, extra...)
	args = append(args, l.cfg.ExtraArgs...)

	started := time.Now()
	output, exitErr, err := spawn(ctx, l.cfg.Binary, args, req.WorkDir, req.Prompt, req.OnPid)
	if err != nil {
		return nil, err
	}

	sessionID, transcriptPath := l.DetectNewSession(req.WorkDir, started.Add(-time.Second))

	return &SessionResult{
		SessionID:      sessionID,
		Output:         output,
		TranscriptPath: transcriptPath,
		ExitErr:        exitErr,
	}, nil
}

func (l *linearRuntime) DetectNewSession(workDir string, since time.Time) (string, string) {
	path := newestSessionFile(l.sessionDir(), since)
	return sessionIDFromPath(path), path
}

func (l *linearRuntime) TranscriptEvents(transcriptPath string) ([]transcript.Event, error) {
	return transcript.ParseLinearSession(transcriptPath)
}

func (l *linearRuntime) IsProcessAlive(pid int) bool {
	return processAlive(pid)
}

func (l *linearRuntime) sessionDir() string {
	if l.cfg.SessionDir != "" {
		return l.cfg.SessionDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, l.homeDir, "sessions")
}
