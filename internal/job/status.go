package job

import (
	"time"
)

// Status is the job-level lifecycle state.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusDone             Status = "done"
	StatusDoneWithWarnings Status = "done_with_warnings"
	StatusFailed           Status = "failed"
)

// Terminal reports whether the job can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDoneWithWarnings || s == StatusFailed
}

// PageState is the per-page lifecycle state.
type PageState string

const (
	PageQueued     PageState = "queued"
	PageProcessing PageState = "processing"
	PageRetrying   PageState = "retrying"
	PageDone       PageState = "done"
	PageFailed     PageState = "failed"
)

// Terminal reports whether the page reached an end state.
func (s PageState) Terminal() bool {
	return s == PageDone || s == PageFailed
}

// Parse modes.
const (
	ModeAuto = "auto"
	ModeText = "text"
	ModeOCR  = "ocr"
)

// FailedPage pairs a page with its bounded error text.
type FailedPage struct {
	Page  string `json:"page"`
	Error string `json:"error"`
}

// JobStatus is the durable job record exposed to callers.
type JobStatus struct {
	JobID         string       `json:"job_id"`
	Status        Status       `json:"status"`
	Step          string       `json:"step"`
	Progress      int          `json:"progress"`
	ParseMode     string       `json:"parse_mode"`
	RequestedMode string       `json:"requested_mode,omitempty"`
	PagesTotal    int          `json:"pages_total"`
	PagesDone     int          `json:"pages_done"`
	PagesFailed   int          `json:"pages_failed"`
	PagesInflight int          `json:"pages_inflight"`
	FailedPages   []FailedPage `json:"failed_pages,omitempty"`
	TaskID        string       `json:"task_id,omitempty"`
	ActiveTaskIDs []string     `json:"active_task_ids,omitempty"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// PageStatus is one page's durable task record. Each key is only ever
// written by the worker owning that page attempt, so concurrent completions
// stay last-writer-wins per key.
type PageStatus struct {
	Page         string    `json:"page"`
	State        PageState `json:"state"`
	TaskID       string    `json:"task_id,omitempty"`
	RetryAttempt int       `json:"retry_attempt"`
	RetryMax     int       `json:"retry_max_attempts"`
	PageIndex    int       `json:"page_index"`
	PageCount    int       `json:"page_count"`
	Message      string    `json:"message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Manifest is the intake record for a job.
type Manifest struct {
	JobID         string    `json:"job_id"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	RequestedMode string    `json:"requested_mode"`
	AttachmentIDs []string  `json:"attachment_ids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const maxErrorLen = 1200

// boundError truncates an error message to the persisted bound; empty
// messages become "unknown_error" so a failure is never silent.
func boundError(msg string) string {
	if msg == "" {
		return "unknown_error"
	}
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// progressOf computes the 0-99 progress from page counters; 100 is reserved
// for finalization.
func progressOf(done, failed, total int) int {
	if total <= 0 {
		return 0
	}
	p := (done + failed) * 99 / total
	if p > 99 {
		p = 99
	}
	return p
}
