package model

// GradeResult is an explicit outcome of a gradebook read. Found reports
// whether any grade exists for the user, so a score of zero is never
// conflated with "no grade yet".
type GradeResult struct {
	Score float64
	Max   float64
	Found bool
}

// Completed builds the 1/0 grade used when a tool sends completion state
// instead of the gradebook score.
func Completed(done bool) GradeResult {
	score := 0.0
	if done {
		score = 1.0
	}
	return GradeResult{Score: score, Max: 1.0, Found: true}
}
