package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// YTDLPRunner invokes the yt-dlp binary, which handles both the download and
// the ffmpeg post-processing step to MP3.
type YTDLPRunner struct {
	// ToolPath is the yt-dlp executable, defaulting to PATH lookup.
	ToolPath string
	// Timeout bounds one whole invocation.
	Timeout time.Duration
	logger  *zap.Logger
}

// NewYTDLPRunner constructs a runner for the external tool.
func NewYTDLPRunner(toolPath string, timeout time.Duration, logger *zap.Logger) *YTDLPRunner {
	if toolPath == "" {
		toolPath = "yt-dlp"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YTDLPRunner{ToolPath: toolPath, Timeout: timeout, logger: logger}
}

// toolInfo is the slice of yt-dlp's --print-json payload we care about.
type toolInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Run executes one extraction. Stderr is returned inside the error on
// failure; it is the only classification signal the tool provides.
func (r *YTDLPRunner) Run(ctx context.Context, req ToolRequest) (ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := []string{
		"-f", req.FormatSelector,
		"-o", req.OutputTemplate,
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", req.Bitrate,
		"--postprocessor-args", fmt.Sprintf("-ar %s -ac %s -b:a %s", req.SampleRate, req.Channels, req.Bitrate),
		"--no-playlist",
		"--no-warnings",
		"--no-color",
		"--quiet",
		"--print-json",
		"--concurrent-fragments", "3",
		"--retries", strconv.Itoa(req.Retries),
		"--fragment-retries", strconv.Itoa(req.Retries),
		"--socket-timeout", strconv.Itoa(int(req.SocketTimeout.Seconds())),
	}
	if req.Proxy != "" {
		args = append(args, "--proxy", "http://"+req.Proxy)
	}
	if req.CookieFile != "" {
		args = append(args, "--cookies", req.CookieFile)
	}
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, r.ToolPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("invoking extraction tool",
		zap.String("url", req.URL),
		zap.String("format", req.FormatSelector),
		zap.Bool("proxied", req.Proxy != ""),
	)

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = "tool timed out: " + msg
		}
		return ToolResult{}, fmt.Errorf("yt-dlp: %s", msg)
	}

	var info toolInfo
	if jsonErr := json.Unmarshal(stdout.Bytes(), &info); jsonErr != nil {
		// Metadata is best-effort; the artifact on disk is what matters.
		r.logger.Debug("tool metadata parse failed", zap.Error(jsonErr))
	}
	return ToolResult{Title: info.Title, Duration: info.Duration}, nil
}
