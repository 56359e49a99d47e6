// Package clipboard reads links from the system clipboard for the CLI
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"github.com/atotto/clipboard"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
)

// ErrEmpty is returned when the clipboard holds no text
var ErrEmpty = errors.New("clipboard is empty")

// ErrNoURL is returned when the clipboard text has no http(s) link
var ErrNoURL = errors.New("clipboard does not contain a link")

// Service reads the system clipboard
type Service interface {
	// Read returns the clipboard text with surrounding whitespace removed
	Read(ctx context.Context) (string, error)

	// ReadURL returns the first http(s) link found in the clipboard
	ReadURL(ctx context.Context) (string, error)
}

type clipboardService struct {
	command string
	logger  *slog.Logger
}

// NewService creates a clipboard service. A configured command takes
// precedence over the platform clipboard.
func NewService(cfg *config.ClipboardConfig, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &clipboardService{logger: logger.With("component", "clipboard")}
	if cfg != nil {
		s.command = cfg.Command
	}
	return s
}

func (s *clipboardService) Read(ctx context.Context) (string, error) {
	if s.command != "" {
		parts := parseCommand(s.command)
		if len(parts) == 0 {
			return "", fmt.Errorf("invalid clipboard command in config: %s", s.command)
		}
		return s.run(ctx, exec.CommandContext(ctx, parts[0], parts[1:]...))
	}

	text, err := clipboard.ReadAll()
	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return "", ErrEmpty
		}
		return text, nil
	}
	s.logger.Debug("primary clipboard read failed, trying system tools", "error", err)

	cmd, err := defaultCommand(ctx)
	if err != nil {
		return "", err
	}
	return s.run(ctx, cmd)
}

func (s *clipboardService) ReadURL(ctx context.Context) (string, error) {
	text, err := s.Read(ctx)
	if err != nil {
		return "", err
	}
	link := FirstURL(text)
	if link == "" {
		return "", ErrNoURL
	}
	return link, nil
}

func (s *clipboardService) run(ctx context.Context, cmd *exec.Cmd) (string, error) {
	s.logger.Debug("reading clipboard", "command", cmd.Path)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to execute clipboard command: %w", err)
	}
	text := strings.TrimSpace(string(output))
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// defaultCommand picks a platform clipboard reader
func defaultCommand(ctx context.Context) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "pbpaste"), nil
	case "windows":
		return exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-Command", "Get-Clipboard"), nil
	case "linux", "freebsd", "openbsd", "netbsd":
		// Wayland first, then X11
		switch {
		case commandExists("wl-paste"):
			return exec.CommandContext(ctx, "wl-paste", "--no-newline"), nil
		case commandExists("xclip"):
			return exec.CommandContext(ctx, "xclip", "-selection", "clipboard", "-o"), nil
		case commandExists("xsel"):
			return exec.CommandContext(ctx, "xsel", "--clipboard", "--output"), nil
		case commandExists("powershell.exe"):
			// WSL
			return exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-Command", "Get-Clipboard"), nil
		}
		return nil, fmt.Errorf("no clipboard tool found (install wl-clipboard, xclip or xsel)")
	default:
		return nil, fmt.Errorf("clipboard reading not supported on %s", runtime.GOOS)
	}
}

// FirstURL returns the first http or https link in text, or ""
func FirstURL(text string) string {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, "<>()[]\"'`,;")
		u, err := url.Parse(field)
		if err != nil || u.Host == "" {
			continue
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			return field
		}
	}
	return ""
}

// parseCommand parses a command string into executable parts, respecting quotes
func parseCommand(command string) []string {
	var parts []string
	var current strings.Builder
	var inQuotes bool
	var quoteChar rune

	for _, char := range command {
		switch {
		case char == '\'' || char == '"':
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				inQuotes = false
			} else {
				current.WriteRune(char)
			}
		case char == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

func commandExists(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
