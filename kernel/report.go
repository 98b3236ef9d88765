package kernel

import (
	"fmt"

	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// Recommendation is the reporter's verdict on a finished workflow.
type Recommendation string

const (
	RecommendAccept       Recommendation = "accept"
	RecommendManualReview Recommendation = "manual_review"
	RecommendReject       Recommendation = "reject"
)

// StageSummary is one executed stage in a report, in execution order.
type StageSummary struct {
	Stage      store.Stage `json:"stage"`
	DurationMS int64       `json:"duration_ms"`
	Success    bool        `json:"success"`
}

// TestReport aggregates one workflow for human consumption.
type TestReport struct {
	TestID              string         `json:"test_id"`
	EpicID              string         `json:"epic_id"`
	TestType            store.TestType `json:"test_type"`
	Passed              bool           `json:"passed"`
	Confidence          float64        `json:"confidence"`
	Summary             string         `json:"summary"`
	Recommendation      Recommendation `json:"recommendation"`
	EvidencePaths       []string       `json:"evidence_paths,omitempty"`
	RedFlags            int            `json:"red_flags"`
	FixesApplied        int            `json:"fixes_applied"`
	LearningsExtracted  int            `json:"learnings_extracted"`
	DurationMS          int64          `json:"duration_ms"`
	Stages              []StageSummary `json:"stages"`
}

// EpicTestReport aggregates all workflows of one epic.
type EpicTestReport struct {
	EpicID            string         `json:"epic_id"`
	Total             int            `json:"total"`
	Passed            int            `json:"passed"`
	Failed            int            `json:"failed"`
	Escalated         int            `json:"escalated"`
	AverageConfidence float64        `json:"average_confidence"`
	Recommendation    Recommendation `json:"recommendation"`
	Tests             []TestReport   `json:"tests"`
}

// Report builds the TestReport for one workflow. It is a pure aggregation:
// nothing is read or written beyond the arguments.
func Report(w store.Workflow, history []store.WorkflowHistoryEntry) TestReport {
	verified := w.Verification != nil && w.Verification.Verified
	passed := verified && w.Status == store.StatusCompleted

	var confidence float64
	if w.Verification != nil {
		confidence = w.Verification.Confidence
	}

	r := TestReport{
		TestID:     w.TestID,
		EpicID:     w.EpicID,
		TestType:   w.TestType,
		Passed:     passed,
		Confidence: confidence,
		DurationMS: w.DurationMS,
	}

	if w.Execution != nil {
		r.EvidencePaths = append(r.EvidencePaths, w.Execution.Evidence.Screenshots...)
		r.EvidencePaths = append(r.EvidencePaths, w.Execution.Evidence.Logs...)
		r.EvidencePaths = append(r.EvidencePaths, w.Execution.Evidence.Traces...)
	}
	if w.Detection != nil {
		r.RedFlags = len(w.Detection.RedFlags)
	}
	if w.Fixing != nil && w.Fixing.Success {
		r.FixesApplied = 1
	}
	if w.Learning != nil {
		r.LearningsExtracted = len(w.Learning.Patterns)
	}

	for _, entry := range history {
		r.Stages = append(r.Stages, StageSummary{
			Stage:      entry.Stage,
			DurationMS: entry.DurationMS,
			Success:    entry.Success,
		})
	}

	switch {
	case passed && confidence >= 90:
		r.Recommendation = RecommendAccept
	case !passed && !w.Escalated:
		r.Recommendation = RecommendReject
	default:
		r.Recommendation = RecommendManualReview
	}

	switch {
	case passed:
		r.Summary = fmt.Sprintf("%s passed with confidence %.0f", w.TestID, confidence)
	case w.Escalated:
		r.Summary = fmt.Sprintf("%s escalated: %s", w.TestID, w.ErrorMessage)
	default:
		r.Summary = fmt.Sprintf("%s failed: %s", w.TestID, w.ErrorMessage)
	}
	return r
}

// EpicReport builds the collective report over an epic's workflows. Accept
// requires every test to pass; reject requires at least one failure with
// nothing escalated; anything else is manual review.
func EpicReport(epicID string, workflows []store.Workflow, histories map[string][]store.WorkflowHistoryEntry) EpicTestReport {
	report := EpicTestReport{EpicID: epicID, Total: len(workflows)}

	var confidenceSum float64
	for _, w := range workflows {
		tr := Report(w, histories[w.ID])
		report.Tests = append(report.Tests, tr)
		if tr.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		if w.Escalated {
			report.Escalated++
		}
		confidenceSum += tr.Confidence
	}
	if report.Total > 0 {
		report.AverageConfidence = confidenceSum / float64(report.Total)
	}

	switch {
	case report.Total > 0 && report.Failed == 0:
		report.Recommendation = RecommendAccept
	case report.Failed > 0 && report.Escalated == 0:
		report.Recommendation = RecommendReject
	default:
		report.Recommendation = RecommendManualReview
	}
	return report
}
