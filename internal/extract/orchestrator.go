package extract

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grabtune/grabtune/internal/classify"
	"github.com/grabtune/grabtune/internal/telemetry"
)

// ProxySource hands the orchestrator an outbound proxy, or "" for direct.
type ProxySource interface {
	Get(ctx context.Context) string
}

// Config holds orchestrator knobs.
type Config struct {
	// ScratchRoot is where per-attempt scratch directories are created.
	ScratchRoot string
	// CookieFile is attached to tool invocations when present on disk.
	CookieFile string
	// ToolRetries and SocketTimeout are passed through to the tool.
	ToolRetries   int
	SocketTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScratchRoot == "" {
		c.ScratchRoot = os.TempDir()
	}
	if c.ToolRetries <= 0 {
		c.ToolRetries = 2
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 20 * time.Second
	}
	return c
}

// Orchestrator drives one extraction+transcode attempt and its fallback
// ladder: FormatUnavailable retries once with the degraded selector,
// ProxyUnreachable retries once without the proxy. No kind is ever retried
// more than once.
type Orchestrator struct {
	cfg     Config
	runner  Runner
	proxies ProxySource
	logger  *zap.Logger
}

// NewOrchestrator constructs an Orchestrator. proxies may be nil when no
// pool is configured.
func NewOrchestrator(cfg Config, runner Runner, proxies ProxySource, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg.withDefaults(), runner: runner, proxies: proxies, logger: logger}
}

// NormalizeURL validates the input and strips playlist suffixes so a single
// video is extracted even when the client pastes a playlist link.
func NormalizeURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if i := strings.Index(raw, "&list="); i >= 0 {
		raw = raw[:i]
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("not a valid video url")
	}
	return raw, nil
}

// Run executes the extraction state machine for one URL and profile.
func (o *Orchestrator) Run(ctx context.Context, rawURL string, profile QualityProfile) Outcome {
	start := time.Now()

	videoURL, err := NormalizeURL(rawURL)
	if err != nil {
		return Outcome{Kind: classify.KindInvalidURL, Raw: err.Error()}
	}

	scratch, err := os.MkdirTemp(o.cfg.ScratchRoot, "yt_audio_")
	if err != nil {
		return Outcome{Kind: classify.KindUnclassified, Raw: fmt.Sprintf("create scratch dir: %v", err)}
	}

	proxy := ""
	if o.proxies != nil {
		proxy = o.proxies.Get(ctx)
	}

	req := ToolRequest{
		URL:            videoURL,
		FormatSelector: profile.FormatSelector,
		OutputTemplate: filepath.Join(scratch, "audio.%(ext)s"),
		Bitrate:        profile.Bitrate,
		SampleRate:     profile.SampleRate,
		Channels:       profile.Channels,
		Proxy:          proxy,
		Retries:        o.cfg.ToolRetries,
		SocketTimeout:  o.cfg.SocketTimeout,
	}
	if o.cfg.CookieFile != "" {
		if _, statErr := os.Stat(o.cfg.CookieFile); statErr == nil {
			req.CookieFile = o.cfg.CookieFile
		}
	}

	outcome := o.attempt(ctx, req, scratch)
	if !outcome.OK() && classify.Retryable(outcome.Kind) {
		fallback := req
		degraded := false
		switch outcome.Kind {
		case classify.KindFormatUnavailable:
			fallback.FormatSelector = DegradedSelector
			degraded = true
		case classify.KindProxyUnreachable:
			// Dropping the proxy only changes anything when one was attached.
			if req.Proxy != "" {
				fallback.Proxy = ""
				degraded = true
			}
		}
		if degraded {
			o.logger.Info("retrying with degraded options",
				zap.String("url", videoURL),
				zap.String("kind", string(outcome.Kind)),
			)
			outcome = o.attempt(ctx, fallback, scratch)
		}
	}

	if outcome.OK() {
		telemetry.ObserveExtraction("success", time.Since(start))
	} else {
		telemetry.ObserveExtraction(string(outcome.Kind), time.Since(start))
		os.RemoveAll(scratch)
	}
	return outcome
}

// attempt makes one tool invocation and locates its artifact.
func (o *Orchestrator) attempt(ctx context.Context, req ToolRequest, scratch string) Outcome {
	result, err := o.runner.Run(ctx, req)
	if err != nil {
		raw := err.Error()
		kind := classify.Classify(raw)
		o.logger.Warn("extraction attempt failed",
			zap.String("url", req.URL),
			zap.String("kind", string(kind)),
			zap.String("error", classify.Truncate(raw, 300)),
		)
		return Outcome{Kind: kind, Raw: raw}
	}

	path, ok := findArtifact(scratch)
	if !ok {
		return Outcome{Kind: classify.KindNoOutputProduced, Raw: "no audio file in scratch dir"}
	}
	return Outcome{FilePath: path, Title: result.Title, Duration: result.Duration}
}

// artifactExtensions in preference order; the exact target extension wins.
var artifactExtensions = []string{".mp3", ".m4a", ".webm", ".opus", ".ogg"}

func findArtifact(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, ext := range artifactExtensions {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.EqualFold(filepath.Ext(e.Name()), ext) {
				return filepath.Join(dir, e.Name()), true
			}
		}
	}
	return "", false
}

// SanitizeTitle converts a video title into a safe download filename stem.
func SanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 50 {
		out = strings.TrimSpace(out[:50])
	}
	if out == "" {
		return "audio"
	}
	return out
}
