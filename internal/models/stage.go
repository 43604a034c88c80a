package models

// Stage is a named phase of the processing pipeline. Stages form a closed,
// totally ordered set; StageError sits outside the order.
type Stage string

const (
	StageInitialization     Stage = "initialization"
	StageFileReading        Stage = "file_reading"
	StageValidation         Stage = "validation"
	StageIECVerification    Stage = "iec_verification"
	StageDatabaseOperations Stage = "database_operations"
	StageReportGeneration   Stage = "report_generation"
	StageCompletion         Stage = "completion"
	StageError              Stage = "error"
)

var pipeline = []struct {
	stage  Stage
	weight int
}{
	{StageInitialization, 5},
	{StageFileReading, 10},
	{StageValidation, 10},
	{StageIECVerification, 50},
	{StageDatabaseOperations, 15},
	{StageReportGeneration, 5},
	{StageCompletion, 5},
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(pipeline))
	for i, p := range pipeline {
		out[i] = p.stage
	}
	return out
}

// Rank is the stage position in the pipeline, or -1 for StageError and
// unknown values.
func (s Stage) Rank() int {
	for i, p := range pipeline {
		if p.stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a pipeline stage or StageError.
func (s Stage) Valid() bool {
	return s == StageError || s.Rank() >= 0
}

// Before reports whether s executes strictly before o.
func (s Stage) Before(o Stage) bool {
	return s.Rank() >= 0 && o.Rank() >= 0 && s.Rank() < o.Rank()
}

// Weight is the share of overall progress contributed by the stage.
func (s Stage) Weight() int {
	if r := s.Rank(); r >= 0 {
		return pipeline[r].weight
	}
	return 0
}

// OverallProgress rolls a stage-local percentage up into the job percentage.
func OverallProgress(s Stage, stagePct int) int {
	r := s.Rank()
	if r < 0 {
		return 0
	}
	if stagePct < 0 {
		stagePct = 0
	}
	if stagePct > 100 {
		stagePct = 100
	}
	done := 0
	for i := 0; i < r; i++ {
		done += pipeline[i].weight
	}
	return done + pipeline[r].weight*stagePct/100
}
