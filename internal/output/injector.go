package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/liuscraft/vocistant/internal/logging"
)

// ErrPermissionDenied means text cannot be typed into other applications:
// the keystroke tool is missing or the OS refused access.
var ErrPermissionDenied = errors.New("keystroke injection not permitted")

// Injector types text at the current cursor position.
type Injector interface {
	CheckPermission() error
	Inject(ctx context.Context, text string, perCharDelay time.Duration) error
}

type runFunc func(ctx context.Context, name string, args ...string) error

// CommandInjector drives an OS keystroke tool: wtype on Wayland, xdotool on
// X11, osascript on macOS, or any command line that accepts the text as its
// last argument.
type CommandInjector struct {
	argv     []string
	lookPath func(string) (string, error)
	run      runFunc
}

// NewCommandInjector parses tool as a command line. An empty tool picks the
// platform default.
func NewCommandInjector(tool string) (*CommandInjector, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		tool = defaultTool()
	}
	argv, err := shellwords.Parse(tool)
	if err != nil {
		return nil, fmt.Errorf("parse inject tool: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no keystroke tool for %s", ErrPermissionDenied, runtime.GOOS)
	}
	return &CommandInjector{
		argv:     argv,
		lookPath: exec.LookPath,
		run:      runCommand,
	}, nil
}

func defaultTool() string {
	switch runtime.GOOS {
	case "darwin":
		return "osascript"
	case "linux":
		if os.Getenv("WAYLAND_DISPLAY") != "" {
			return "wtype"
		}
		return "xdotool"
	default:
		return ""
	}
}

func (c *CommandInjector) Tool() string {
	return c.argv[0]
}

func (c *CommandInjector) CheckPermission() error {
	if _, err := c.lookPath(c.argv[0]); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrPermissionDenied, c.argv[0], err)
	}
	return nil
}

func (c *CommandInjector) Inject(ctx context.Context, text string, perCharDelay time.Duration) error {
	if text == "" {
		return nil
	}
	name, base := c.argv[0], c.argv[1:]
	delayMs := strconv.FormatInt(perCharDelay.Milliseconds(), 10)

	switch filepath.Base(name) {
	case "wtype":
		args := append([]string{}, base...)
		if perCharDelay > 0 {
			args = append(args, "-d", delayMs)
		}
		return c.run(ctx, name, append(args, "--", text)...)
	case "xdotool":
		args := append([]string{}, base...)
		if len(args) == 0 {
			args = []string{"type"}
		}
		args = append(args, "--delay", delayMs)
		return c.run(ctx, name, append(args, "--", text)...)
	case "osascript":
		// osascript has no per-key delay; type rune by rune when one is asked for
		if perCharDelay <= 0 {
			return c.run(ctx, name, append(append([]string{}, base...), "-e", keystrokeScript(text))...)
		}
		return c.typewriter(ctx, text, perCharDelay, func(r string) error {
			return c.run(ctx, name, append(append([]string{}, base...), "-e", keystrokeScript(r))...)
		})
	default:
		if perCharDelay <= 0 {
			return c.run(ctx, name, append(append([]string{}, base...), text)...)
		}
		return c.typewriter(ctx, text, perCharDelay, func(r string) error {
			return c.run(ctx, name, append(append([]string{}, base...), r)...)
		})
	}
}

func (c *CommandInjector) typewriter(ctx context.Context, text string, delay time.Duration, typeOne func(string) error) error {
	for i, r := range []rune(text) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := typeOne(string(r)); err != nil {
			return fmt.Errorf("input failed at position %d: %w", i, err)
		}
	}
	return nil
}

func keystrokeScript(text string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(text)
	return fmt.Sprintf(`tell application "System Events" to keystroke "%s"`, escaped)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		// macOS reports missing accessibility access through osascript
		if strings.Contains(msg, "not allowed to send keystrokes") || strings.Contains(msg, "(1002)") {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	logging.Debugf("Output: %s typed %d bytes", name, len(args[len(args)-1]))
	return nil
}
