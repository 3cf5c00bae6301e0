package transcript

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// YtDlpFetcher shells out to the yt-dlp binary to fetch video subtitles.
type YtDlpFetcher struct {
	binaryPath string
	timeout    time.Duration
}

func NewYtDlpFetcher(binaryPath string) *YtDlpFetcher {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	return &YtDlpFetcher{
		binaryPath: binaryPath,
		timeout:    2 * time.Minute,
	}
}

// FetchTranscript downloads the video's subtitles (manual preferred,
// auto-generated as fallback) into a temp dir and flattens them to plain
// text. The video itself is never downloaded.
func (f *YtDlpFetcher) FetchTranscript(ctx context.Context, videoURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "subs-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cmd := exec.CommandContext(ctx, f.binaryPath,
		"--skip-download",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", "en.*",
		"--sub-format", "vtt",
		"--no-warnings",
		"-o", filepath.Join(tmpDir, "%(id)s"),
		videoURL,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("yt-dlp failed: %w, stderr: %s", err, stderr.String())
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "*.vtt"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no subtitles available for %s", videoURL)
	}

	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return "", fmt.Errorf("read subtitles: %w", err)
	}

	text := parseVTT(string(raw))
	if text == "" {
		return "", fmt.Errorf("empty transcript for %s", videoURL)
	}
	return text, nil
}

// parseVTT flattens WebVTT cues into plain text: headers, timestamps, inline
// tags, and consecutive duplicate lines (common in auto-generated subs) are
// dropped.
func parseVTT(raw string) string {
	var out []string
	var last string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "WEBVTT" {
			continue
		}
		if strings.Contains(line, "-->") {
			continue
		}
		if strings.HasPrefix(line, "Kind:") || strings.HasPrefix(line, "Language:") ||
			strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE") {
			continue
		}
		line = stripTags(line)
		if line == "" || line == last {
			continue
		}
		out = append(out, line)
		last = line
	}
	return strings.Join(out, " ")
}

func stripTags(line string) string {
	var b strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
