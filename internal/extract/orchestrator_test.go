package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grabtune/grabtune/internal/classify"
	"github.com/grabtune/grabtune/internal/telemetry"
)

// scriptedRunner replays canned results and records every request it sees.
type scriptedRunner struct {
	results []error
	titles  []string
	calls   []ToolRequest
}

func (r *scriptedRunner) Run(_ context.Context, req ToolRequest) (ToolResult, error) {
	i := len(r.calls)
	r.calls = append(r.calls, req)
	if i >= len(r.results) {
		return ToolResult{}, errors.New("unexpected extra call")
	}
	if r.results[i] != nil {
		return ToolResult{}, r.results[i]
	}
	// Drop the artifact where the output template points.
	dir := filepath.Dir(req.OutputTemplate)
	if err := os.WriteFile(filepath.Join(dir, "audio.mp3"), []byte("mp3"), 0o600); err != nil {
		return ToolResult{}, err
	}
	title := "Test Song"
	if i < len(r.titles) {
		title = r.titles[i]
	}
	return ToolResult{Title: title, Duration: 180}, nil
}

type staticProxy struct {
	addr string
}

func (p staticProxy) Get(context.Context) string { return p.addr }

func newTestOrchestrator(t *testing.T, runner Runner, proxies ProxySource) *Orchestrator {
	t.Helper()
	telemetry.Init()
	return NewOrchestrator(Config{ScratchRoot: t.TempDir()}, runner, proxies, nil)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "plain video url",
			raw:  "https://www.youtube.com/watch?v=abc123",
			want: "https://www.youtube.com/watch?v=abc123",
		},
		{
			name: "playlist suffix stripped",
			raw:  "https://www.youtube.com/watch?v=abc123&list=PLxyz&index=4",
			want: "https://www.youtube.com/watch?v=abc123",
		},
		{name: "empty", raw: "", wantErr: true},
		{name: "no scheme", raw: "www.youtube.com/watch?v=abc", wantErr: true},
		{name: "bad scheme", raw: "ftp://example.com/v", wantErr: true},
		{name: "no host", raw: "https:///watch?v=abc", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{results: []error{nil}}
	o := newTestOrchestrator(t, runner, staticProxy{addr: "10.0.0.1:8080"})

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	require.True(t, outcome.OK())
	assert.Equal(t, "Test Song", outcome.Title)
	assert.FileExists(t, outcome.FilePath)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, ProfileStandard.FormatSelector, runner.calls[0].FormatSelector)
	assert.Equal(t, "10.0.0.1:8080", runner.calls[0].Proxy)
}

// TestRunFormatFallback checks a format failure triggers exactly one retry
// with the degraded selector.
func TestRunFormatFallback(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{results: []error{
		errors.New("yt-dlp: ERROR: Requested format is not available"),
		nil,
	}}
	o := newTestOrchestrator(t, runner, nil)

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileHigh)
	require.True(t, outcome.OK())

	require.Len(t, runner.calls, 2)
	assert.Equal(t, ProfileHigh.FormatSelector, runner.calls[0].FormatSelector)
	assert.Equal(t, DegradedSelector, runner.calls[1].FormatSelector)
}

// TestRunProxyFallback checks a proxy failure retries once without the proxy.
func TestRunProxyFallback(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{results: []error{
		errors.New("yt-dlp: ERROR: tunnel connection failed"),
		nil,
	}}
	o := newTestOrchestrator(t, runner, staticProxy{addr: "10.0.0.1:8080"})

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	require.True(t, outcome.OK())

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "10.0.0.1:8080", runner.calls[0].Proxy)
	assert.Empty(t, runner.calls[1].Proxy)
}

// TestRunNoProxyFallbackWhenDirect checks a connection failure on a direct
// connection is not retried, since there is no proxy to drop.
func TestRunNoProxyFallbackWhenDirect(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{results: []error{
		errors.New("yt-dlp: ERROR: connection refused"),
	}}
	o := newTestOrchestrator(t, runner, nil)

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	assert.False(t, outcome.OK())
	assert.Equal(t, classify.KindProxyUnreachable, outcome.Kind)
	assert.Len(t, runner.calls, 1)
}

// TestRunNoRetryForTerminalKinds checks upstream throttling is never retried.
func TestRunNoRetryForTerminalKinds(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{results: []error{
		errors.New("yt-dlp: ERROR: HTTP Error 429: Too Many Requests"),
	}}
	o := newTestOrchestrator(t, runner, nil)

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	assert.False(t, outcome.OK())
	assert.Equal(t, classify.KindUpstreamRateLimited, outcome.Kind)
	assert.Len(t, runner.calls, 1)
}

// TestRunRetriesAtMostOnce checks the fallback itself is never retried.
func TestRunRetriesAtMostOnce(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{results: []error{
		errors.New("yt-dlp: ERROR: Requested format is not available"),
		errors.New("yt-dlp: ERROR: Requested format is not available"),
	}}
	o := newTestOrchestrator(t, runner, nil)

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	assert.False(t, outcome.OK())
	assert.Equal(t, classify.KindFormatUnavailable, outcome.Kind)
	assert.Len(t, runner.calls, 2)
}

type silentRunner struct{}

// Run succeeds without producing any artifact.
func (silentRunner) Run(context.Context, ToolRequest) (ToolResult, error) {
	return ToolResult{Title: "ghost"}, nil
}

func TestRunNoOutputProduced(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, silentRunner{}, nil)
	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	assert.False(t, outcome.OK())
	assert.Equal(t, classify.KindNoOutputProduced, outcome.Kind)
}

func TestRunInvalidURL(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	o := newTestOrchestrator(t, runner, nil)
	outcome := o.Run(context.Background(), "not a url", ProfileStandard)
	assert.Equal(t, classify.KindInvalidURL, outcome.Kind)
	assert.Empty(t, runner.calls)
}

// TestRunCleansScratchOnFailure verifies no scratch directories leak when an
// extraction fails.
func TestRunCleansScratchOnFailure(t *testing.T) {
	t.Parallel()

	telemetry.Init()
	root := t.TempDir()
	runner := &scriptedRunner{results: []error{errors.New("yt-dlp: ERROR: Private video")}}
	o := NewOrchestrator(Config{ScratchRoot: root}, runner, nil, nil)

	outcome := o.Run(context.Background(), "https://example.com/watch?v=a", ProfileStandard)
	require.False(t, outcome.OK())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProfileByName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ProfileHigh, ProfileByName("high"))
	assert.Equal(t, ProfileStandard, ProfileByName("standard"))
	assert.Equal(t, ProfileStandard, ProfileByName(""))
	assert.Equal(t, ProfileStandard, ProfileByName("bogus"))
}

func TestSanitizeTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		title string
		want  string
	}{
		{name: "plain", title: "My Song", want: "My Song"},
		{name: "special chars dropped", title: `My/Song: "The Best" <2026>`, want: "MySong The Best 2026"},
		{name: "empty falls back", title: "", want: "audio"},
		{name: "only specials fall back", title: "///:::", want: "audio"},
		{
			name:  "long titles truncated",
			title: strings.Repeat("a", 80),
			want:  strings.Repeat("a", 50),
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizeTitle(tc.title)
			assert.Equal(t, tc.want, got)
			assert.LessOrEqual(t, len(got), 50)
		})
	}
}

func TestFindArtifactPrefersMP3(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio.webm"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio.mp3"), []byte("x"), 0o600))

	path, ok := findArtifact(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "audio.mp3"), path)
}
