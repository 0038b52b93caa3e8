// Package classify maps raw extraction-tool failures onto a closed error taxonomy.
//
// The external tool reports failures only as free text, so classification is
// substring matching over a lowercased message. That sniffing is deliberately
// confined to this package; everything above it consumes only Kind.
package classify

import (
	"net/http"
	"strings"
)

// Kind identifies one failure class with a fixed HTTP status and wire code.
type Kind string

// Failure kinds, terminal from the client's point of view unless noted.
const (
	KindInvalidURL          Kind = "invalid_url"
	KindMissingURL          Kind = "missing_url"
	KindRateLimitExceeded   Kind = "rate_limit_exceeded"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindVideoUnavailable    Kind = "video_unavailable"
	KindGeoBlocked          Kind = "geo_blocked"
	KindCopyrightBlocked    Kind = "copyright_blocked"
	KindAgeRestricted       Kind = "age_restricted"
	KindFormatUnavailable   Kind = "format_unavailable"
	KindProxyUnreachable    Kind = "proxy_unreachable"
	KindResourceExhausted   Kind = "resource_exhausted"
	KindNoOutputProduced    Kind = "no_output_produced"
	KindUnclassified        Kind = "unclassified"
)

// Classify maps a raw tool error message to a Kind. It is a pure function of
// the message: the same input always yields the same Kind.
func Classify(raw string) Kind {
	msg := strings.ToLower(raw)

	switch {
	case contains(msg, "429", "too many requests"):
		return KindUpstreamRateLimited
	case contains(msg, "requested format is not available", "no video formats", "format is not available"):
		return KindFormatUnavailable
	case contains(msg, "proxy", "tunnel connection failed", "connection refused"):
		return KindProxyUnreachable
	case contains(msg, "sign in to confirm your age", "age-restricted", "age restricted"):
		return KindAgeRestricted
	case contains(msg, "available in your country", "geo restriction", "blocked in your country"):
		return KindGeoBlocked
	case contains(msg, "copyright"):
		return KindCopyrightBlocked
	case contains(msg, "unavailable", "private", "deleted", "removed"):
		return KindVideoUnavailable
	default:
		return KindUnclassified
	}
}

// HTTPStatus returns the response status mapped to a Kind.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidURL, KindMissingURL, KindVideoUnavailable, KindGeoBlocked,
		KindCopyrightBlocked, KindAgeRestricted, KindFormatUnavailable:
		return http.StatusBadRequest
	case KindRateLimitExceeded, KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindProxyUnreachable, KindResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the wire code clients receive in the error envelope.
func Code(k Kind) string {
	switch k {
	case KindInvalidURL:
		return "INVALID_URL"
	case KindMissingURL:
		return "MISSING_URL"
	case KindRateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case KindUpstreamRateLimited:
		return "YOUTUBE_RATE_LIMIT"
	case KindVideoUnavailable:
		return "VIDEO_UNAVAILABLE"
	case KindGeoBlocked:
		return "GEO_BLOCKED"
	case KindCopyrightBlocked:
		return "COPYRIGHT_BLOCKED"
	case KindAgeRestricted:
		return "AGE_RESTRICTED"
	case KindFormatUnavailable:
		return "FORMAT_NOT_SUPPORTED"
	case KindProxyUnreachable:
		return "PROXY_UNREACHABLE"
	case KindResourceExhausted:
		return "RESOURCE_LIMIT"
	case KindNoOutputProduced:
		return "NO_OUTPUT_FILE"
	default:
		return "DOWNLOAD_FAILED"
	}
}

// Message returns the human-readable description sent to clients. The raw
// tool output is surfaced, truncated, only for unclassified failures.
func Message(k Kind, raw string) string {
	switch k {
	case KindInvalidURL:
		return "URL is not a valid video link"
	case KindMissingURL:
		return "No URL provided"
	case KindRateLimitExceeded:
		return "Rate limit exceeded. Please wait before retrying."
	case KindUpstreamRateLimited:
		return "Upstream rate limit exceeded. Please wait a few minutes."
	case KindVideoUnavailable:
		return "Video is unavailable, private, or has been removed"
	case KindGeoBlocked:
		return "Video not available in server region"
	case KindCopyrightBlocked:
		return "Video blocked due to copyright restrictions"
	case KindAgeRestricted:
		return "Video requires age verification"
	case KindFormatUnavailable:
		return "Requested audio format is not available"
	case KindProxyUnreachable:
		return "Outbound proxy unreachable"
	case KindResourceExhausted:
		return "Server busy, please try again later"
	case KindNoOutputProduced:
		return "Download completed but no audio file was created"
	default:
		return "Download failed: " + Truncate(raw, 200)
	}
}

// Retryable reports whether the orchestrator should attempt one degraded
// retry for this kind. Only these two kinds are ever retried.
func Retryable(k Kind) bool {
	return k == KindFormatUnavailable || k == KindProxyUnreachable
}

// Truncate bounds a raw message for logs and client payloads.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func contains(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
