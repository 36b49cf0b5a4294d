package core

import (
	"context"
	"time"
)

// Fetcher performs one HTTP GET over the existing authenticated session.
// Implementations must surface 304 responses distinctly from full content.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer executes a URL inside an isolated, script-capable context and
// returns rendered markup plus extracted fields. Concurrency is bounded
// inside the implementation, not by callers.
type Renderer interface {
	Execute(ctx context.Context, request RenderRequest) (RenderResult, error)
}

// ArtifactStore persists parsed results keyed by (collection, key).
// Put is idempotent for repeated identical keys and returns a URI.
type ArtifactStore interface {
	Put(ctx context.Context, collection string, key string, contentType string, payload []byte) (string, error)
}

// SnapshotStore persists keyed state records. Every mutating queue,
// cache, or session operation is followed by a Save so a process restart
// resumes from the same state. Load returns ErrSnapshotNotFound for
// missing keys.
type SnapshotStore interface {
	Save(ctx context.Context, key string, value any) error
	Load(ctx context.Context, key string, out any) error
}

// Publisher pushes change-signal events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy computes the backoff delay before a retry attempt.
// attempt is 1-based: the delay applied after the first failure is
// NextDelay(1).
type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// Expander turns a fetched parent resource into child task specs.
// Parsing itself is outside the orchestration core; the scheduler only
// forwards whatever the expander produces into the queue.
type Expander interface {
	Expand(task Task, content []byte) ([]TaskSpec, error)
}

// AuthChecker verifies the upstream authenticated-session precondition
// before a crawl session is allowed to start.
type AuthChecker interface {
	Check(ctx context.Context) error
}

// Hasher computes content digests for fingerprinting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
