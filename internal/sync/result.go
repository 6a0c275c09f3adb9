package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Book outcome values recorded in Result details
const (
	BookSynced    = "synced"
	BookCompleted = "completed"
	BookSkipped   = "skipped"
	BookFailed    = "failed"
)

// BookDetail records what happened to one library item during a run
type BookDetail struct {
	Title          string        `json:"title"`
	Identifier     string        `json:"identifier"`
	IdentifierType string        `json:"identifier_type"`
	Status         string        `json:"status"`
	Actions        []string      `json:"actions,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Result is the aggregate outcome of one sync run. It is assembled by the
// orchestrator and immutable once returned.
type Result struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Total      int          `json:"total"`
	Synced     int          `json:"synced"`
	Completed  int          `json:"completed"`
	AutoAdded  int          `json:"auto_added"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Duplicates int          `json:"duplicates"`
	DryRun     bool         `json:"dry_run"`
	// Errors aggregates every per-book error for run-level reporting; the
	// same messages appear on the owning BookDetail
	Errors []string     `json:"errors,omitempty"`
	Books  []BookDetail `json:"books"`
}

// resultBuilder accumulates per-book outcomes from concurrent workers
type resultBuilder struct {
	mu     sync.Mutex
	result Result
}

func newResultBuilder(dryRun bool) *resultBuilder {
	return &resultBuilder{
		result: Result{
			RunID:     uuid.NewString(),
			StartedAt: time.Now(),
			DryRun:    dryRun,
		},
	}
}

func (b *resultBuilder) add(detail BookDetail) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.result.Books = append(b.result.Books, detail)
	switch detail.Status {
	case BookSynced:
		b.result.Synced++
	case BookCompleted:
		b.result.Completed++
	case BookSkipped:
		b.result.Skipped++
	case BookFailed:
		b.result.Failed++
	}
	for _, msg := range detail.Errors {
		b.result.Errors = append(b.result.Errors, fmt.Sprintf("%s: %s", detail.Title, msg))
	}
}

// noteAutoAdded counts a book the resolver had to add to the shelf
func (b *resultBuilder) noteAutoAdded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.AutoAdded++
}

func (b *resultBuilder) setCounts(total, duplicates int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Total = total
	b.result.Duplicates = duplicates
}

// finalize stamps the end time and returns a copy the caller owns
func (b *resultBuilder) finalize() Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.result.FinishedAt = time.Now()
	out := b.result
	out.Books = make([]BookDetail, len(b.result.Books))
	copy(out.Books, b.result.Books)
	out.Errors = make([]string, len(b.result.Errors))
	copy(out.Errors, b.result.Errors)
	return out
}
