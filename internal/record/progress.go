package record

// Extraction owns 0-40%, recognition 40-100%.
const (
	ExtractionCeiling = 40
	Full              = 100
)

// ExtractionPercent is linear in pages produced so far.
func ExtractionPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done > total {
		done = total
	}
	return done * ExtractionCeiling / total
}

// RecognitionPercent is linear in pages finished so far, starting at 40.
func RecognitionPercent(done, total int) int {
	if total <= 0 {
		return ExtractionCeiling
	}
	if done > total {
		done = total
	}
	return ExtractionCeiling + done*(Full-ExtractionCeiling)/total
}
