// Package core defines the types and interfaces shared across the
// harvester subsystems.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// TaskKind identifies what a crawl task fetches and how it is executed.
type TaskKind string

// Task kinds understood by the scheduler's executor registry.
const (
	KindIndexPage   TaskKind = "index-page"
	KindSectionList TaskKind = "section-list"
	KindItemDetail  TaskKind = "item-detail"
	KindFile        TaskKind = "file"
)

// TaskSpec is the producer-facing description of one unit of crawl work.
// The queue derives the task id and fills in defaults.
type TaskSpec struct {
	Kind        TaskKind          `json:"kind"`
	URL         string            `json:"url"`
	ParentID    string            `json:"parent_id,omitempty"`
	Priority    int               `json:"priority"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Task is one queued unit of crawl work.
type Task struct {
	ID          string            `json:"id"`
	Kind        TaskKind          `json:"kind"`
	URL         string            `json:"url"`
	ParentID    string            `json:"parent_id,omitempty"`
	Priority    int               `json:"priority"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	CreatedAt   time.Time         `json:"created_at"`
	NotBefore   time.Time         `json:"not_before"`
	LastAttempt time.Time         `json:"last_attempt,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Seq         int64             `json:"seq"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// DeriveTaskID computes the deterministic task id for a kind/URL pair.
// Re-submitting the same logical work always maps to the same id.
func DeriveTaskID(kind TaskKind, url string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + url))
	return hex.EncodeToString(sum[:8])
}

// TaskFailure is one entry in the queue's bounded recent-errors log.
type TaskFailure struct {
	TaskID   string    `json:"task_id"`
	Kind     TaskKind  `json:"kind"`
	URL      string    `json:"url"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
}

// CacheEntry holds revalidation state for one resource URL.
type CacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	LastChecked  time.Time `json:"last_checked"`
	LastChanged  time.Time `json:"last_changed"`
	HitCount     int       `json:"hit_count"`
}

// NeverFetched reports whether the entry carries no usable state.
// An entry with no validators and no fingerprint is equivalent to
// the URL never having been fetched.
func (e CacheEntry) NeverFetched() bool {
	return e.ETag == "" && e.LastModified == "" && e.Fingerprint == ""
}

// ChangeKind classifies a detected content change.
type ChangeKind string

// Change kinds recorded in the per-URL signal history.
const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeSignal records that a resource's fingerprint differed from the
// prior cache entry. Signals are append-only and never mutated.
type ChangeSignal struct {
	URL         string     `json:"url"`
	Kind        ChangeKind `json:"kind"`
	DetectedAt  time.Time  `json:"detected_at"`
	PrevDigest  string     `json:"prev_fingerprint,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
}

// SyncResult is returned by the incremental sync cache.
type SyncResult struct {
	URL             string
	Changed         bool
	ServedFromCache bool
	Fingerprint     string
	ETag            string
	LastModified    string
	Body            []byte
}

// RecrawlTarget is one entry of a targeted recrawl plan.
type RecrawlTarget struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
}

// SessionStatus is the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the session history.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Session bounds one orchestration run from seed to completion.
type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	TasksScheduled int           `json:"tasks_scheduled"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	ErrorText      string        `json:"error_text,omitempty"`
}

// Terminal reports whether the session reached a final state.
func (s Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// FetchRequest captures everything needed to fetch a URL over the
// authenticated session, including conditional revalidation headers.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// RenderStep is one automation step executed inside the rendering worker.
type RenderStep struct {
	Action   string        `json:"action"` // click | wait | sleep
	Selector string        `json:"selector,omitempty"`
	Sleep    time.Duration `json:"sleep,omitempty"`
}

// RenderRequest asks the rendering worker pool to navigate, run
// automation steps, and return rendered markup plus extracted fields.
type RenderRequest struct {
	URL          string
	WaitSelector string
	Steps        []RenderStep
	Extract      map[string]string // field name -> CSS selector
	Timeout      time.Duration
}

// RenderResult is the rendering worker's reply.
type RenderResult struct {
	HTML   string
	Fields map[string]string
}

// Artifact is one parsed result destined for the artifact store.
type Artifact struct {
	Collection  string
	Key         string
	ContentType string
	Payload     []byte
}

// TaskResult is produced by an executor on success.
type TaskResult struct {
	Artifacts []Artifact
	Children  []TaskSpec
	Changed   bool
}
