package recovery

import (
	"errors"
	"math"
	"time"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// FailureCategory separates retryable failures from ones that halt the indexer.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryFatal
)

func (c FailureCategory) String() string {
	if c == CategoryTransient {
		return "transient"
	}
	return "fatal"
}

// Classifier decides the category of a failure.
type Classifier func(err error) FailureCategory

// ClassifyKind treats transport errors and errors without a kind as
// transient. Every other kind is fatal.
func ClassifyKind(err error) FailureCategory {
	switch domain.KindOf(err) {
	case nil, domain.ErrTransport:
		return CategoryTransient
	default:
		return CategoryFatal
	}
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

var _ RetryStrategy = (*ExponentialBackoff)(nil)

// DefaultBackoff returns sensible defaults for batch retries.
// 2s, 4s, 8s, 16s, 32s (Max 60s)
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = ClassifyKind
	}
	return &ExponentialBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

type retryHinter interface {
	RetryDelay() time.Duration
}

// DelayFor is GetDelay, except that a delay carried by err overrides the
// computed one. The hint is still capped at MaxDelay.
func (s *ExponentialBackoff) DelayFor(err error, attempt int) time.Duration {
	var hint retryHinter
	if errors.As(err, &hint) && hint.RetryDelay() > 0 {
		return min(hint.RetryDelay(), s.MaxDelay)
	}
	return s.GetDelay(attempt)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}

	category := s.Classifier(err)
	return category == CategoryTransient
}
