// Package extract defines core types shared across subsystems and the
// orchestrator that drives one extraction attempt and its fallback ladder.
package extract

import (
	"context"
	"time"

	"github.com/grabtune/grabtune/internal/classify"
)

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values held in the job store. Completed, Failed and Cancelled
// are terminal.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is the metadata tracked for each submitted extraction request.
// ResultPath is set if and only if Status is Completed.
type Job struct {
	ID          string        `json:"id"`
	SourceURL   string        `json:"source_url"`
	Quality     string        `json:"quality,omitempty"`
	Status      JobStatus     `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message,omitempty"`
	ErrorKind   classify.Kind `json:"error_kind,omitempty"`
	ResultPath  string        `json:"-"`
	Title       string        `json:"title,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
	FetchedAt   *time.Time    `json:"-"`
}

// QualityProfile bundles the format-selector and transcode settings used to
// parameterize one extraction attempt.
type QualityProfile struct {
	Name           string
	FormatSelector string
	Bitrate        string
	SampleRate     string
	Channels       string
}

// Known profiles. Endpoint variants differ only in profile selection.
var (
	ProfileStandard = QualityProfile{
		Name:           "standard",
		FormatSelector: "bestaudio[abr<=160]/bestaudio[ext=m4a]/bestaudio",
		Bitrate:        "160k",
		SampleRate:     "44100",
		Channels:       "2",
	}
	ProfileHigh = QualityProfile{
		Name:           "high",
		FormatSelector: "bestaudio",
		Bitrate:        "192k",
		SampleRate:     "44100",
		Channels:       "2",
	}
)

// ProfileByName resolves a client-supplied quality name, defaulting to standard.
func ProfileByName(name string) QualityProfile {
	if name == "high" {
		return ProfileHigh
	}
	return ProfileStandard
}

// DegradedSelector is the worst-quality fallback used when the requested
// format selector matches nothing upstream.
const DegradedSelector = "worstaudio/bestaudio"

// ToolRequest captures everything handed to the external extraction tool for
// one attempt.
type ToolRequest struct {
	URL            string
	FormatSelector string
	OutputTemplate string
	Bitrate        string
	SampleRate     string
	Channels       string
	Proxy          string
	CookieFile     string
	Retries        int
	SocketTimeout  time.Duration
}

// ToolResult is what the external tool reports back on success.
type ToolResult struct {
	Title    string
	Duration float64
}

// Runner invokes the external extraction/transcode tool. Implementations
// either produce an audio artifact under the output template's directory and
// return normally, or return an error whose text is the only available
// signal for classification.
type Runner interface {
	Run(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// Outcome is the tagged result of one orchestrated extraction.
type Outcome struct {
	FilePath string
	Title    string
	Duration float64
	Kind     classify.Kind
	Raw      string
}

// OK reports whether the extraction produced a file.
func (o Outcome) OK() bool {
	return o.Kind == ""
}

// QueueItem is one unit of extraction work handed from the API to a worker.
type QueueItem struct {
	JobID   string
	URL     string
	Profile QualityProfile
}

// Queue moves queue items between the API and the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque unique job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
