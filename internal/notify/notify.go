// Package notify provides best-effort desktop notifications for blueprint
// completion. Failures are reported but never fatal; a headless host simply
// has no notifier.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Send shows a desktop notification using the platform's native tool:
// osascript on macOS, notify-send on Linux.
func Send(title, message string) error {
	switch runtime.GOOS {
	case "darwin":
		return sendAppleScript(title, message)
	case "linux":
		return sendNotifySend(title, message)
	default:
		return fmt.Errorf("notifications unsupported on %s", runtime.GOOS)
	}
}

func sendAppleScript(title, message string) error {
	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendNotifySend(title, message string) error {
	cmd := exec.Command("notify-send", "--app-name=macroplan", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
