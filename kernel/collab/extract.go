package collab

import (
	"context"
	"time"
)

// SeedExtractor is the built-in LearningExtractor used when no external
// extractor is injected. It applies the seed rules only:
//
//   - A verified pipeline yields one "success" pattern whose confidence is
//     the verification confidence.
//   - A pipeline that went through fixing additionally yields a
//     "fix_applied" pattern naming the fix strategy.
//   - An unverified pipeline yields a "failure" pattern.
//
// External extractors are expected to supersede this with real pattern
// mining; the kernel only guarantees the seed rules.
type SeedExtractor struct {
	// Now overrides the clock in tests. Defaults to time.Now.
	Now func() time.Time
}

func (s *SeedExtractor) Extract(ctx context.Context, lc LearningContext) (*LearningResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	var patterns []Pattern
	if lc.Verification != nil && lc.Verification.Verified {
		patterns = append(patterns, Pattern{Type: "success", Confidence: lc.Verification.Confidence})
	} else {
		patterns = append(patterns, Pattern{Type: "failure", Confidence: 0})
	}
	if lc.Fixing != nil && lc.Fixing.Success {
		patterns = append(patterns, Pattern{
			Type:       "fix_applied",
			Confidence: confidenceOrZero(lc.Verification),
			Detail:     lc.Fixing.FixStrategy,
		})
	}

	return &LearningResult{
		TestID:      lc.Test.TestID,
		Patterns:    patterns,
		ExtractedAt: now().UTC().Format(time.RFC3339),
	}, nil
}

func confidenceOrZero(v *VerificationReport) float64 {
	if v == nil {
		return 0
	}
	return v.Confidence
}
