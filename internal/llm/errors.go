package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderError is a non-2xx response from the model provider.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

// Fatal reports whether retrying the job cannot succeed: bad credentials,
// a denied key, or an exhausted account.
func (e *ProviderError) Fatal() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		return true
	case http.StatusBadRequest:
		msg := strings.ToLower(e.Message)
		for _, marker := range []string{"credit", "billing", "quota"} {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}

// IsFatal reports whether err wraps a fatal ProviderError.
func IsFatal(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Fatal()
}
