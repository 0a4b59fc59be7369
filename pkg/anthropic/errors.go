package anthropic

import (
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// StatusCode extracts the HTTP status code from an API error anywhere in the
// chain. Returns 0 for non-API errors.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsOverloaded reports whether the error is the API's overloaded response.
func IsOverloaded(err error) bool {
	return StatusCode(err) == 529
}

// IsRateLimited reports whether the error is a rate-limit response.
func IsRateLimited(err error) bool {
	return StatusCode(err) == 429
}
