package model

// Stage identifies one step of the analyze/clean/train pipeline.
type Stage string

// Pipeline stage constants.
const (
	StageAnalyze Stage = "analyze"
	StageClean   Stage = "clean"
	StageTrain   Stage = "train"
)

// StageTransitions declares, for one stage, the statuses it may be started
// from, the status while it runs, and its terminal outcomes.
type StageTransitions struct {
	AllowedStart []string
	InProgress   string
	Success      string
	Failure      string
}

// stageTable is the single source of truth for the job state machine. Every
// status mutation is checked against it; there are no other transition paths.
var stageTable = map[Stage]StageTransitions{
	StageAnalyze: {
		AllowedStart: []string{StatusPendingAnalysis, StatusAnalysisFailed},
		InProgress:   StatusAnalyzing,
		Success:      StatusSuccess,
		Failure:      StatusAnalysisFailed,
	},
	StageClean: {
		AllowedStart: []string{StatusSuccess, StatusCleaningFailed},
		InProgress:   StatusCleaning,
		Success:      StatusCleaningSuccess,
		Failure:      StatusCleaningFailed,
	},
	StageTrain: {
		AllowedStart: []string{StatusSuccess, StatusCleaningSuccess, StatusFailed},
		InProgress:   StatusStarting,
		Success:      StatusSuccess,
		Failure:      StatusFailed,
	},
}

// Transitions returns the transition declaration for stage. The second return
// is false for an unknown stage.
func Transitions(stage Stage) (StageTransitions, bool) {
	t, ok := stageTable[stage]
	return t, ok
}

// CanStart reports whether a stage may be started from the given status.
func CanStart(stage Stage, status string) bool {
	t, ok := stageTable[stage]
	if !ok {
		return false
	}
	for _, s := range t.AllowedStart {
		if s == status {
			return true
		}
	}
	return false
}

// Stages returns all pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageAnalyze, StageClean, StageTrain}
}
