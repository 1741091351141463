package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// URLError describes why a URL field was rejected.
type URLError struct {
	Field   string
	Message string
	URL     string
}

func (e URLError) Error() string {
	return fmt.Sprintf("%s: %s (url: %s)", e.Field, e.Message, e.URL)
}

// ValidateURL checks that value is an absolute http or https URL. An empty
// value is accepted; callers decide whether the field is required.
func ValidateURL(value, field string, requireHTTPS bool) error {
	if value == "" {
		return nil
	}

	parsed, err := url.Parse(value)
	if err != nil {
		return URLError{Field: field, Message: "invalid URL format", URL: value}
	}
	if parsed.Scheme == "" {
		return URLError{Field: field, Message: "URL must include a scheme (http:// or https://)", URL: value}
	}
	if parsed.Host == "" {
		return URLError{Field: field, Message: "URL must include a host", URL: value}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return URLError{Field: field, Message: "URL scheme must be http or https", URL: value}
	}
	if requireHTTPS && scheme != "https" {
		return URLError{Field: field, Message: "URL must use HTTPS", URL: value}
	}
	if parsed.User != nil {
		return URLError{Field: field, Message: "URL must not embed credentials", URL: value}
	}
	return nil
}
