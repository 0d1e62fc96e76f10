// Package sanitize strips markup from user-supplied text fields. Uses
// bluemonday's strict policy so display names and similar free-text values
// reach the database as plain text.
package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// policy is the singleton bluemonday policy. Initialized once via sync.Once
// for thread-safe lazy initialization.
var (
	policy     *bluemonday.Policy
	policyOnce sync.Once
)

// getPolicy returns the shared strict policy, initializing it on first call.
func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

// Text removes every HTML element from input, decodes entities back to
// plain characters, collapses runs of whitespace and trims the result.
//
//	Text("  <b>Ana</b>   <script>x()</script>Silva ") == "Ana Silva"
func Text(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(getPolicy().Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}
