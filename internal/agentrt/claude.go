package agentrt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/transcript"
)

// claudeRuntime drives the claude CLI in headless print mode. Sessions are
// persisted by the CLI itself under its projects directory as JSONL message
// trees.
type claudeRuntime struct {
	cfg model.RuntimeBinaryConfig
}

func newClaudeRuntime(cfg model.RuntimeBinaryConfig) *claudeRuntime {
	return &claudeRuntime{cfg: cfg}
}

func (c *claudeRuntime) Name() string { return "claude" }

func (c *claudeRuntime) RunSession(ctx context.Context, req RunRequest) (*SessionResult, error) {
	return c.run(ctx, req, nil)
}

func (c *claudeRuntime) ResumeSession(ctx context.Context, sessionID string, req RunRequest) (*SessionResult, error) {
	return c.run(ctx, req, []string{"--resume", sessionID})
}

func (c *claudeRuntime) run(ctx context.Context, req RunRequest, extra []string) (*SessionResult, error) {
	args := []string{"-p", "--output-format", "text", "--dangerously-skip-permissions"}
	args = append(args, extra...)
	args = append(args, c.cfg.ExtraArgs...)

	started := time.Now()
	output, exitErr, err := spawn(ctx, c.cfg.Binary, args, req.WorkDir, req.Prompt, req.OnPid)
	if err != nil {
		return nil, err
	}

	// The CLI does not print its session id in text mode; correlate by the
	// session file it created or touched during the run.
	sessionID, transcriptPath := c.DetectNewSession(req.WorkDir, started.Add(-time.Second))

	return &SessionResult{
		SessionID:      sessionID,
		Output:         output,
		TranscriptPath: transcriptPath,
		ExitErr:        exitErr,
	}, nil
}

func (c *claudeRuntime) DetectNewSession(workDir string, since time.Time) (string, string) {
	path := newestSessionFile(c.sessionDir(workDir), since)
	return sessionIDFromPath(path), path
}

func (c *claudeRuntime) TranscriptEvents(transcriptPath string) ([]transcript.Event, error) {
	return transcript.ParseClaudeSession(transcriptPath)
}

func (c *claudeRuntime) IsProcessAlive(pid int) bool {
	return processAlive(pid)
}

// sessionDir maps a working directory to the CLI's per-project session
// directory. The CLI flattens the absolute path by replacing separators and
// dots with dashes.
func (c *claudeRuntime) sessionDir(workDir string) string {
	if c.cfg.SessionDir != "" {
		return c.cfg.SessionDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects", mungeProjectPath(workDir))
}

func mungeProjectPath(workDir string) string {
	s := strings.ReplaceAll(workDir, "/", "-")
	return strings.ReplaceAll(s, ".", "-")
}
