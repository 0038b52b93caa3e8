// Package classify_test exercises the failure taxonomy.
package classify_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grabtune/grabtune/internal/classify"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want classify.Kind
	}{
		{
			name: "upstream 429",
			raw:  "yt-dlp: ERROR: HTTP Error 429: Too Many Requests",
			want: classify.KindUpstreamRateLimited,
		},
		{
			name: "format not available",
			raw:  "yt-dlp: ERROR: Requested format is not available",
			want: classify.KindFormatUnavailable,
		},
		{
			name: "proxy tunnel failure",
			raw:  "yt-dlp: ERROR: Unable to connect to proxy: tunnel connection failed",
			want: classify.KindProxyUnreachable,
		},
		{
			name: "connection refused",
			raw:  "yt-dlp: ERROR: connection refused by remote host",
			want: classify.KindProxyUnreachable,
		},
		{
			name: "age restriction",
			raw:  "yt-dlp: ERROR: Sign in to confirm your age",
			want: classify.KindAgeRestricted,
		},
		{
			name: "geo blocked",
			raw:  "yt-dlp: ERROR: The uploader has not made this video available in your country",
			want: classify.KindGeoBlocked,
		},
		{
			name: "copyright",
			raw:  "yt-dlp: ERROR: Video unavailable. This video contains content blocked on copyright grounds",
			want: classify.KindCopyrightBlocked,
		},
		{
			name: "video removed",
			raw:  "yt-dlp: ERROR: Video unavailable. This video has been removed by the uploader",
			want: classify.KindVideoUnavailable,
		},
		{
			name: "private video",
			raw:  "yt-dlp: ERROR: Private video",
			want: classify.KindVideoUnavailable,
		},
		{
			name: "gibberish",
			raw:  "yt-dlp: ERROR: something completely novel happened",
			want: classify.KindUnclassified,
		},
		{
			name: "empty message",
			raw:  "",
			want: classify.KindUnclassified,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, classify.Classify(tc.raw))
		})
	}
}

// TestClassifyDeterministic verifies that the same input always yields the
// same kind regardless of call order.
func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	raw := "HTTP Error 429: Too Many Requests"
	first := classify.Classify(raw)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, classify.Classify(raw))
	}
}

// TestClassifyPrecedence ensures the 429 check wins when a message matches
// multiple kinds.
func TestClassifyPrecedence(t *testing.T) {
	t.Parallel()

	raw := "proxy error: HTTP Error 429: Too Many Requests"
	assert.Equal(t, classify.KindUpstreamRateLimited, classify.Classify(raw))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, classify.HTTPStatus(classify.KindVideoUnavailable))
	assert.Equal(t, http.StatusBadRequest, classify.HTTPStatus(classify.KindMissingURL))
	assert.Equal(t, http.StatusTooManyRequests, classify.HTTPStatus(classify.KindUpstreamRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, classify.HTTPStatus(classify.KindResourceExhausted))
	assert.Equal(t, http.StatusInternalServerError, classify.HTTPStatus(classify.KindUnclassified))
}

func TestCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "YOUTUBE_RATE_LIMIT", classify.Code(classify.KindUpstreamRateLimited))
	assert.Equal(t, "VIDEO_UNAVAILABLE", classify.Code(classify.KindVideoUnavailable))
	assert.Equal(t, "RESOURCE_LIMIT", classify.Code(classify.KindResourceExhausted))
	assert.Equal(t, "NO_OUTPUT_FILE", classify.Code(classify.KindNoOutputProduced))
	assert.Equal(t, "DOWNLOAD_FAILED", classify.Code(classify.KindUnclassified))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, classify.Retryable(classify.KindFormatUnavailable))
	assert.True(t, classify.Retryable(classify.KindProxyUnreachable))
	assert.False(t, classify.Retryable(classify.KindUpstreamRateLimited))
	assert.False(t, classify.Retryable(classify.KindVideoUnavailable))
	assert.False(t, classify.Retryable(classify.KindUnclassified))
}

// TestMessageSurfacesRawOnlyWhenUnclassified checks that raw tool output
// never leaks into classified error messages.
func TestMessageSurfacesRawOnlyWhenUnclassified(t *testing.T) {
	t.Parallel()

	raw := "secret internal detail"
	assert.NotContains(t, classify.Message(classify.KindVideoUnavailable, raw), raw)
	assert.Contains(t, classify.Message(classify.KindUnclassified, raw), raw)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 300)
	assert.Len(t, classify.Truncate(long, 200), 200)
	assert.Equal(t, "short", classify.Truncate("short", 200))
}
