package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpt153/supervisor-kernel/kernel/fault"
	"github.com/gpt153/supervisor-kernel/kernel/redact"
	"github.com/gpt153/supervisor-kernel/kernel/store"
)

// DefaultMaxRetries bounds per-stage retries before escalation.
const DefaultMaxRetries = 3

// retryablePatterns match error messages that indicate a transient failure.
var retryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)network`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`ECONNREFUSED`),
	regexp.MustCompile(`ETIMEDOUT`),
	regexp.MustCompile(`(?i)temporary`),
	regexp.MustCompile(`(?i)transient`),
	regexp.MustCompile(`(?i)rate limit`),
}

// Retryable classifies an error. Timeouts and unavailability retry; explicit
// cancellation and contract errors never do. Anything else is judged by its
// message.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fault.ErrCancelled) ||
		errors.Is(err, fault.ErrValidation) ||
		errors.Is(err, fault.ErrInvalidTransition) ||
		errors.Is(err, fault.ErrConflict) ||
		errors.Is(err, fault.ErrNotFound) {
		return false
	}
	if errors.Is(err, fault.ErrTimeout) || errors.Is(err, fault.ErrUnavailable) {
		return true
	}
	msg := err.Error()
	for _, re := range retryablePatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// Disposition is the error handler's verdict on a failed stage.
type Disposition int

const (
	// DispositionRetry re-runs the same stage.
	DispositionRetry Disposition = iota
	// DispositionEscalated ends the workflow: escalated, failed, handoff
	// written.
	DispositionEscalated
	// DispositionFailed ends the workflow without escalation (cancellation).
	DispositionFailed
)

// ErrorHandler decides what happens after a stage failure and produces the
// escalation handoff artifact when retries are exhausted.
type ErrorHandler struct {
	machine    *StateMachine
	redactor   *redact.Redactor
	maxRetries int
	handoffDir string
	log        zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewErrorHandler creates an ErrorHandler writing handoff files under
// handoffDir. maxRetries <= 0 selects the default of 3.
func NewErrorHandler(machine *StateMachine, r *redact.Redactor, maxRetries int, handoffDir string, logger zerolog.Logger) *ErrorHandler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if r == nil {
		r = redact.Default()
	}
	return &ErrorHandler{
		machine:    machine,
		redactor:   r,
		maxRetries: maxRetries,
		handoffDir: handoffDir,
		log:        logger.With().Str("component", "errorhandler").Logger(),
		Now:        time.Now,
	}
}

// MaxRetries returns the configured retry bound.
func (h *ErrorHandler) MaxRetries() int { return h.maxRetries }

// Outcome is what the handler did with a failure.
type Outcome struct {
	Workflow    store.Workflow
	Disposition Disposition
	// HandoffPath is set when an escalation handoff was written.
	HandoffPath string
	// Message is the final error message recorded on the workflow for
	// terminal dispositions.
	Message string
}

// Handle processes one stage failure. Retryable errors under the retry
// budget increment retry_count and return DispositionRetry; cancellation
// fails the workflow immediately; everything else escalates, fails the
// workflow, and writes the handoff artifact.
func (h *ErrorHandler) Handle(ctx context.Context, w store.Workflow, stage store.Stage, stageErr error) (Outcome, error) {
	if errors.Is(stageErr, fault.ErrCancelled) {
		failed, err := h.machine.Fail(ctx, w, "cancelled")
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Workflow: failed, Disposition: DispositionFailed, Message: "cancelled"}, nil
	}

	if Retryable(stageErr) && w.RetryCount < h.maxRetries {
		bumped, err := h.machine.IncrementRetry(ctx, w)
		if err != nil {
			return Outcome{}, err
		}
		h.log.Info().
			Str("workflow_id", w.ID).
			Str("stage", string(stage)).
			Int("retry", bumped.RetryCount).
			Err(stageErr).
			Msg("retrying stage")
		return Outcome{Workflow: bumped, Disposition: DispositionRetry}, nil
	}

	escalated, err := h.machine.Escalate(ctx, w)
	if err != nil {
		return Outcome{}, err
	}

	handoffPath, handoffErr := h.writeHandoff(escalated, stage, stageErr)
	if handoffErr != nil {
		// The escalation stands even when the artifact cannot be written.
		h.log.Error().Err(handoffErr).Str("workflow_id", w.ID).Msg("handoff write failed")
	}

	msg := fmt.Sprintf("Escalated: %s stage failed after %d retries: %v",
		stage, escalated.RetryCount, stageErr)
	if handoffPath != "" {
		msg += fmt.Sprintf(" (handoff: %s)", handoffPath)
	}
	failed, err := h.machine.Fail(ctx, escalated, msg)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Workflow:    failed,
		Disposition: DispositionEscalated,
		HandoffPath: handoffPath,
		Message:     failed.ErrorMessage,
	}, nil
}

// writeHandoff renders the escalation markdown document. The filename
// follows {yyyy-mm-ddThh-mm-ss}-{test_id}-escalation.md.
func (h *ErrorHandler) writeHandoff(w store.Workflow, stage store.Stage, stageErr error) (string, error) {
	if h.handoffDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.handoffDir, 0o755); err != nil {
		return "", fmt.Errorf("create handoff dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s-escalation.md", h.Now().UTC().Format("2006-01-02T15-04-05"), w.TestID)
	path := filepath.Join(h.handoffDir, name)

	errText := "unknown"
	if stageErr != nil {
		errText = h.redactor.RedactString(stageErr.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Escalation: %s\n\n", w.TestID)
	fmt.Fprintf(&b, "## Status\n\n")
	fmt.Fprintf(&b, "- Workflow: `%s`\n- Epic: `%s`\n- Stage at failure: `%s`\n- Retries used: %d\n\n",
		w.ID, w.EpicID, stage, w.RetryCount)
	fmt.Fprintf(&b, "## Reason for Escalation\n\n")
	fmt.Fprintf(&b, "Retries exhausted (max %d) or the error was not retryable.\n\n", h.maxRetries)
	fmt.Fprintf(&b, "## Error Details\n\n```\n%s\n```\n\n", errText)
	fmt.Fprintf(&b, "## Workflow Progress\n\n")
	writeProgress(&b, "execution", w.Execution != nil, func() string {
		if w.Execution != nil {
			return fmt.Sprintf("passed=%v duration_ms=%d", w.Execution.Passed, w.Execution.DurationMS)
		}
		return ""
	})
	writeProgress(&b, "detection", w.Detection != nil, func() string {
		if w.Detection != nil {
			return fmt.Sprintf("red_flags=%d of %d checks", len(w.Detection.RedFlags), w.Detection.TotalChecks)
		}
		return ""
	})
	writeProgress(&b, "verification", w.Verification != nil, func() string {
		if w.Verification != nil {
			return fmt.Sprintf("verified=%v confidence=%.0f", w.Verification.Verified, w.Verification.Confidence)
		}
		return ""
	})
	writeProgress(&b, "fixing", w.Fixing != nil, func() string {
		if w.Fixing != nil {
			return fmt.Sprintf("success=%v strategy=%s", w.Fixing.Success, w.Fixing.FixStrategy)
		}
		return ""
	})
	writeProgress(&b, "learning", w.Learning != nil, func() string {
		if w.Learning != nil {
			return fmt.Sprintf("patterns=%d", len(w.Learning.Patterns))
		}
		return ""
	})
	fmt.Fprintf(&b, "\n## Next Steps\n\n")
	fmt.Fprintf(&b, "1. Review the error details above.\n")
	fmt.Fprintf(&b, "2. Inspect the %s collaborator for `%s`.\n", stage, w.TestID)
	fmt.Fprintf(&b, "3. Re-create the workflow once the underlying cause is fixed.\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write handoff: %w", err)
	}
	return path, nil
}

func writeProgress(b *strings.Builder, stage string, done bool, detail func() string) {
	if done {
		fmt.Fprintf(b, "- [x] %s: %s\n", stage, detail())
	} else {
		fmt.Fprintf(b, "- [ ] %s\n", stage)
	}
}
