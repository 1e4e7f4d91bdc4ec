package llm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ternarybob/brainrot/internal/models"
)

// IsRateLimitError checks if an error is a provider rate limit error.
// Matches 429 status codes and RESOURCE_EXHAUSTED errors.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "RESOURCE_EXHAUSTED") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(strings.ToLower(errStr), "rate limit")
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs" patterns
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s"]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses the API-suggested retry delay from an error.
// Returns 0 if no delay is found in the error message.
//
// Example error message:
// "Error 429, Message: ... Please retry in 45.387061394s., Status: RESOURCE_EXHAUSTED"
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}

	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}

	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

var (
	permanentFragments = []string{
		"401", "403", "PERMISSION_DENIED", "UNAUTHENTICATED", "API key not valid",
		"INVALID_ARGUMENT", "invalid_request_error", "authentication_error", "not_found_error",
	}
	transportFragments = []string{
		"500", "502", "503", "504", "529", "UNAVAILABLE", "INTERNAL", "overloaded",
		"connection reset", "connection refused", "EOF", "timeout",
	}
)

// classifyProviderError maps a provider failure onto the pipeline's failure
// kinds. Context errors pass through so the step deadline is reported as such.
func classifyProviderError(ctx context.Context, provider ProviderType, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s request interrupted: %w", provider, ctx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) {
		return models.NewPermanent(models.FailureToolUnavailable, err)
	}

	wrapped := fmt.Errorf("%s: %w", provider, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == 429:
			return models.NewTransient(models.FailureRateLimited, wrapped).WithRetryAfter(ExtractRetryDelay(err))
		case code >= 500:
			return models.NewTransient(models.FailureTransport, wrapped)
		case code >= 400:
			return models.NewPermanent(models.FailureModelError, wrapped)
		}
	}

	if IsRateLimitError(err) {
		return models.NewTransient(models.FailureRateLimited, wrapped).WithRetryAfter(ExtractRetryDelay(err))
	}
	msg := err.Error()
	for _, f := range permanentFragments {
		if strings.Contains(msg, f) {
			return models.NewPermanent(models.FailureModelError, wrapped)
		}
	}
	for _, f := range transportFragments {
		if strings.Contains(msg, f) {
			return models.NewTransient(models.FailureTransport, wrapped)
		}
	}
	return models.NewTransient(models.FailureModelError, wrapped)
}
