package record

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks the structural invariants of a record read from or about
// to be written to storage.
func (r *ProcessingRecord) Validate() error {
	var errs []error
	if r.JobID == "" {
		errs = append(errs, errors.New("job_id is required"))
	}
	if r.SessionID == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	if r.OwnerUserHash == "" {
		errs = append(errs, errors.New("owner_user_hash is required"))
	}
	if !r.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", r.Status))
	}
	if r.Percent < 0 || r.Percent > 100 {
		errs = append(errs, fmt.Errorf("percent %d out of range", r.Percent))
	}
	total := r.FileInfo.TotalPages
	for n, p := range r.Pages {
		if n < 1 || (total > 0 && n > total) {
			errs = append(errs, fmt.Errorf("page %d outside 1..%d", n, total))
		}
		if !p.Status.Valid() {
			errs = append(errs, fmt.Errorf("page %d has unknown status %q", n, p.Status))
		}
	}
	// once extraction is done the page map is exactly 1..total
	if r.Status.Rank() >= StatusPending.Rank() && r.Status != StatusFailed {
		if total < 1 {
			errs = append(errs, fmt.Errorf("status %s requires total_pages", r.Status))
		} else if len(r.Pages) != total {
			errs = append(errs, fmt.Errorf("status %s has %d pages, want %d", r.Status, len(r.Pages), total))
		}
	}
	if r.Status == StatusCompleted && !r.AllPagesTerminal() {
		errs = append(errs, errors.New("completed job has unfinished pages"))
	}
	return errors.Join(errs...)
}

// Decode parses and validates a persisted record.
func Decode(data []byte) (*ProcessingRecord, error) {
	var r ProcessingRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FileName, err)
	}
	if r.Pages == nil {
		r.Pages = map[int]PageRecord{}
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &r, nil
}

// Encode validates and serializes a record for a full replace write.
func Encode(r *ProcessingRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(r, "", "  ")
}
