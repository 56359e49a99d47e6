// Package tools locates the external extractor and transcoder and reports
// their versions.
package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ToolType represents the role of an external tool
type ToolType int

const (
	// ToolExtractor resolves and downloads media (yt-dlp)
	ToolExtractor ToolType = iota
	// ToolTranscoder remuxes and converts media (ffmpeg)
	ToolTranscoder
)

// String returns the string representation of ToolType
func (t ToolType) String() string {
	switch t {
	case ToolExtractor:
		return "extractor"
	case ToolTranscoder:
		return "transcoder"
	default:
		return "unknown"
	}
}

// versionArgs differ: yt-dlp only knows --version, ffmpeg prefers -version
func (t ToolType) versionArgs() []string {
	if t == ToolTranscoder {
		return []string{"-version"}
	}
	return []string{"--version"}
}

// ToolInfo contains information about an external tool
type ToolInfo struct {
	Type      ToolType
	Name      string // configured name or path
	Binary    string // resolved path
	Version   string
	Available bool
	Err       error
}

const versionTimeout = 10 * time.Second

// DetectTools probes the configured extractor and transcoder. Missing
// tools are reported through ToolInfo rather than an error so callers can
// warn and keep going.
func DetectTools(ctx context.Context, extractor, transcoder string) (ext *ToolInfo, trans *ToolInfo) {
	return Detect(ctx, ToolExtractor, extractor), Detect(ctx, ToolTranscoder, transcoder)
}

// Detect resolves name and asks it for its version
func Detect(ctx context.Context, t ToolType, name string) *ToolInfo {
	info := &ToolInfo{Type: t, Name: name}

	path, err := FindTool(name)
	if err != nil {
		info.Err = err
		return info
	}
	info.Binary = path
	info.Available = true

	info.Version, info.Err = GetVersion(ctx, t, path)
	return info
}

// FindTool searches for a tool by name in PATH, or checks an explicit path
func FindTool(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("tool path is empty")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}

// GetVersion runs the tool's version flag and parses the first line
func GetVersion(ctx context.Context, t ToolType, toolPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, toolPath, t.versionArgs()...).Output()
	if err != nil {
		return "", fmt.Errorf("failed to get version for %s: %w", toolPath, err)
	}

	version := parseVersion(string(output))
	if version == "" {
		return "", fmt.Errorf("failed to parse version from output: %q", strings.TrimSpace(string(output)))
	}
	return version, nil
}

var (
	// yt-dlp: "2024.08.06" or "2024.08.06.232823" for nightlies
	dateVersion = regexp.MustCompile(`(\d{4}\.\d{2}\.\d{2}(?:\.\d+)?)`)
	// ffmpeg: "ffmpeg version 6.0" or "ffmpeg version N-112345-g1234567"
	wordVersion    = regexp.MustCompile(`version\s+([^\s,]+)`)
	genericVersion = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)
)

// parseVersion extracts version string from tool output
func parseVersion(output string) string {
	firstLine, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	firstLine = strings.TrimSpace(firstLine)
	if firstLine == "" {
		return ""
	}

	for _, p := range []*regexp.Regexp{dateVersion, wordVersion, genericVersion} {
		if m := p.FindStringSubmatch(firstLine); len(m) > 1 {
			return m[1]
		}
	}

	if len(firstLine) < 100 {
		return firstLine
	}
	return ""
}
