package record

// Fresher returns whichever of a and b carries the higher version. Ties
// prefer a. Either may be nil.
func Fresher(a, b *ProcessingRecord) *ProcessingRecord {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Version > a.Version:
		return b
	default:
		return a
	}
}

// Merge folds next onto base so that nothing observable moves backwards:
// percent is the max of both, job and page states never lose rank, and the
// owner and creation time stay as first written. The result is a new
// record; neither input is modified.
func Merge(base, next *ProcessingRecord) *ProcessingRecord {
	out := next.Clone()
	if base == nil {
		return out
	}
	if base.OwnerUserHash != "" {
		out.OwnerUserHash = base.OwnerUserHash
	}
	if !base.CreatedAt.IsZero() {
		out.CreatedAt = base.CreatedAt
	}
	if base.Percent > out.Percent {
		out.Percent = base.Percent
	}
	if base.Status.Terminal() || base.Status.Rank() > out.Status.Rank() {
		out.Status = base.Status
		out.CurrentStep = base.CurrentStep
		out.Message = base.Message
		if out.ResultRef == "" {
			out.ResultRef = base.ResultRef
		}
	}
	if out.FileInfo.TotalPages == 0 && base.FileInfo.TotalPages > 0 {
		out.FileInfo = base.FileInfo
	}
	for n, bp := range base.Pages {
		np, ok := out.Pages[n]
		if !ok || bp.Status.Rank() > np.Status.Rank() || (bp.Status.Terminal() && bp.Status != np.Status) {
			bp.ExtractedAt = cloneTime(bp.ExtractedAt)
			bp.ProcessingStartedAt = cloneTime(bp.ProcessingStartedAt)
			bp.ProcessingCompletedAt = cloneTime(bp.ProcessingCompletedAt)
			out.Pages[n] = bp
		}
	}
	if base.Version > out.Version {
		out.Version = base.Version
	}
	return out
}
