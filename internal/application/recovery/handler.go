// Package recovery implements the error-handling layer: strategy resolution,
// retry with exponential backoff and jitter, and per-step circuit breakers.
package recovery

import (
	"time"

	"github.com/smilemakc/stepflow/internal/domain"
)

// Strategy is the closed set of error-handling strategies.
type Strategy string

const (
	StrategyFail           Strategy = "fail"
	StrategyContinue       Strategy = "continue"
	StrategyRetry          Strategy = "retry"
	StrategyFallback       Strategy = "fallback"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
)

// Handler is the resolved error-handling configuration for one step.
type Handler struct {
	Strategy          Strategy
	RetryCount        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	FallbackValue     any
	FailureThreshold  int
	CircuitTimeout    time.Duration
	RetryOnTypes      []string
	SkipRetryOnTypes  []string
	Jitter            bool
}

// DefaultHandler fails the workflow on any error.
func DefaultHandler() *Handler {
	return &Handler{Strategy: StrategyFail}
}

// FromDef resolves a step's on_error declaration into a handler, filling
// the defaults the definition omitted.
func FromDef(def *domain.ErrorHandlerDef) *Handler {
	if def == nil {
		return DefaultHandler()
	}
	h := &Handler{
		Strategy:          Strategy(def.Strategy),
		RetryCount:        def.RetryCount,
		RetryDelay:        time.Duration(def.RetryDelayMs) * time.Millisecond,
		BackoffMultiplier: def.BackoffMultiplier,
		MaxDelay:          time.Duration(def.MaxDelayMs) * time.Millisecond,
		FallbackValue:     def.FallbackValue,
		FailureThreshold:  def.FailureThreshold,
		CircuitTimeout:    time.Duration(def.CircuitTimeoutMs) * time.Millisecond,
		RetryOnTypes:      def.RetryOnErrorTypes,
		SkipRetryOnTypes:  def.SkipRetryOnErrorTypes,
		Jitter:            !def.JitterDisabled,
	}
	if h.Strategy == "" {
		h.Strategy = StrategyFail
	}
	if h.RetryCount <= 0 {
		h.RetryCount = 3
	}
	if h.RetryDelay <= 0 {
		h.RetryDelay = time.Second
	}
	if h.BackoffMultiplier <= 0 {
		h.BackoffMultiplier = 2.0
	}
	if h.MaxDelay <= 0 {
		h.MaxDelay = 30 * time.Second
	}
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = 5
	}
	if h.CircuitTimeout <= 0 {
		h.CircuitTimeout = time.Minute
	}
	return h
}

// ShouldRetry filters retry eligibility by the allow list first, then the
// deny list; with neither, all error types retry.
func (h *Handler) ShouldRetry(errorType string) bool {
	if len(h.RetryOnTypes) > 0 {
		for _, t := range h.RetryOnTypes {
			if t == errorType {
				return true
			}
		}
		return false
	}
	for _, t := range h.SkipRetryOnTypes {
		if t == errorType {
			return false
		}
	}
	return true
}
