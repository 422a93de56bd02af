// Package record holds the canonical Processing Record persisted once per
// session, plus the lifecycle rules every writer goes through.
package record

import (
	"fmt"
	"sort"
	"time"
)

// FileName is the artifact name of the record inside a session.
const FileName = "processing.json"

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusExtracting JobStatus = "extracting"
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

var jobRank = map[JobStatus]int{
	StatusQueued:     0,
	StatusExtracting: 1,
	StatusPending:    2,
	StatusProcessing: 3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

func (s JobStatus) Valid() bool { _, ok := jobRank[s]; return ok }

func (s JobStatus) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Rank orders states along the lifecycle. Both terminal states share a rank.
func (s JobStatus) Rank() int { return jobRank[s] }

// CanTransition reports whether from -> to is a legal job transition.
// Staying in place is always legal for non-terminal states.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusQueued:
		return to == StatusExtracting || to == StatusPending || to == StatusFailed
	case StatusExtracting:
		return to == StatusPending || to == StatusFailed
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// PageStatus is the per-page lifecycle state.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageProcessing PageStatus = "processing"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

var pageRank = map[PageStatus]int{
	PagePending:    0,
	PageProcessing: 1,
	PageCompleted:  2,
	PageFailed:     2,
}

func (s PageStatus) Valid() bool    { _, ok := pageRank[s]; return ok }
func (s PageStatus) Terminal() bool { return s == PageCompleted || s == PageFailed }
func (s PageStatus) Rank() int      { return pageRank[s] }

// FileInfo describes the raw source.
type FileInfo struct {
	Filename       string `json:"filename"`
	FileType       string `json:"file_type"`
	TotalPages     int    `json:"total_pages"`
	RawArtifactRef string `json:"raw_artifact_ref"`
	FileSize       int64  `json:"file_size"`
}

// PageRecord tracks one page through recognition.
type PageRecord struct {
	Status                PageStatus `json:"status"`
	ImageRef              string     `json:"image_ref,omitempty"`
	ExtractedAt           *time.Time `json:"extracted_at,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ResultRef             string     `json:"result_ref,omitempty"`
	Error                 string     `json:"error,omitempty"`
	Attempts              int        `json:"attempts,omitempty"`
	ClaimID               string     `json:"claim_id,omitempty"`
}

// ProcessingRecord is the single source of truth for a job and its pages.
type ProcessingRecord struct {
	JobID         string             `json:"job_id"`
	SessionID     string             `json:"session_id"`
	Status        JobStatus          `json:"status"`
	CurrentStep   string             `json:"current_step"`
	Message       string             `json:"message"`
	Percent       int                `json:"percent"`
	FileInfo      FileInfo           `json:"file_info"`
	OwnerUserHash string             `json:"owner_user_hash"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Pages         map[int]PageRecord `json:"pages"`
	ResultRef     string             `json:"result_ref,omitempty"`
	// Version increases by one on every persisted write.
	Version int64 `json:"version"`
}

// New returns a queued record for a freshly submitted job.
func New(jobID, sessionID, ownerHash string, info FileInfo, now time.Time) *ProcessingRecord {
	return &ProcessingRecord{
		JobID:         jobID,
		SessionID:     sessionID,
		Status:        StatusQueued,
		CurrentStep:   "queued",
		Message:       "Waiting for a worker",
		FileInfo:      info,
		OwnerUserHash: ownerHash,
		CreatedAt:     now,
		UpdatedAt:     now,
		Pages:         map[int]PageRecord{},
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Pages = make(map[int]PageRecord, len(r.Pages))
	for n, p := range r.Pages {
		p.ExtractedAt = cloneTime(p.ExtractedAt)
		p.ProcessingStartedAt = cloneTime(p.ProcessingStartedAt)
		p.ProcessingCompletedAt = cloneTime(p.ProcessingCompletedAt)
		c.Pages[n] = p
	}
	return &c
}

// Transition moves the job to status, rejecting illegal moves.
func (r *ProcessingRecord) Transition(to JobStatus, step, message string) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("illegal job transition %s -> %s", r.Status, to)
	}
	r.Status = to
	if step != "" {
		r.CurrentStep = step
	}
	if message != "" {
		r.Message = message
	}
	return nil
}

// SetPercent raises percent; lower values are ignored.
func (r *ProcessingRecord) SetPercent(p int) {
	if p > 100 {
		p = 100
	}
	if p > r.Percent {
		r.Percent = p
	}
}

// SetPage replaces page n, rejecting a regression in page status.
func (r *ProcessingRecord) SetPage(n int, p PageRecord) error {
	if cur, ok := r.Pages[n]; ok {
		if cur.Status.Terminal() && cur.Status != p.Status {
			return fmt.Errorf("page %d is already %s", n, cur.Status)
		}
		if p.Status.Rank() < cur.Status.Rank() {
			return fmt.Errorf("page %d cannot move %s -> %s", n, cur.Status, p.Status)
		}
	}
	if r.Pages == nil {
		r.Pages = map[int]PageRecord{}
	}
	r.Pages[n] = p
	return nil
}

// PageNumbers returns the page keys in increasing order.
func (r *ProcessingRecord) PageNumbers() []int {
	out := make([]int, 0, len(r.Pages))
	for n := range r.Pages {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Counts tallies pages per status.
type Counts struct {
	Pending, Processing, Completed, Failed int
}

func (c Counts) Terminal() int { return c.Completed + c.Failed }

func (r *ProcessingRecord) Counts() Counts {
	var c Counts
	for _, p := range r.Pages {
		switch p.Status {
		case PagePending:
			c.Pending++
		case PageProcessing:
			c.Processing++
		case PageCompleted:
			c.Completed++
		case PageFailed:
			c.Failed++
		}
	}
	return c
}

// AllPagesTerminal is true once every registered page is completed or failed.
func (r *ProcessingRecord) AllPagesTerminal() bool {
	if len(r.Pages) == 0 || len(r.Pages) < r.FileInfo.TotalPages {
		return false
	}
	for _, p := range r.Pages {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// FailedPages lists failed page numbers in order.
func (r *ProcessingRecord) FailedPages() []int {
	var out []int
	for _, n := range r.PageNumbers() {
		if r.Pages[n].Status == PageFailed {
			out = append(out, n)
		}
	}
	return out
}

// Claimable returns up to limit page numbers, lowest first, that may be
// claimed: pending pages, processing pages whose claim was released for a
// retry (no start time), and processing pages whose claim was made before
// staleBefore (an abandoned claim). A zero staleBefore never reclaims.
func (r *ProcessingRecord) Claimable(limit int, staleBefore time.Time) []int {
	var out []int
	for _, n := range r.PageNumbers() {
		if limit > 0 && len(out) >= limit {
			break
		}
		p := r.Pages[n]
		switch {
		case p.Status == PagePending:
			out = append(out, n)
		case p.Status == PageProcessing && p.ProcessingStartedAt == nil:
			out = append(out, n)
		case p.Status == PageProcessing && !staleBefore.IsZero() &&
			p.ProcessingStartedAt != nil && p.ProcessingStartedAt.Before(staleBefore):
			out = append(out, n)
		}
	}
	return out
}

// PageImageName is the artifact name of page n's image.
func PageImageName(n int, ext string) string {
	return fmt.Sprintf("page_%03d%s", n, ext)
}

// PageResultName is the artifact name of page n's recognized text.
func PageResultName(n int) string {
	return fmt.Sprintf("page_%03d_result.txt", n)
}

// CombinedResultName holds all page texts joined in order.
const CombinedResultName = "combined_result.txt"
