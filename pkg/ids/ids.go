// Package ids generates the prefixed random identifiers used across agentrelay.
package ids

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	hexAlphabet = "0123456789abcdef"
	suffixLen   = 12
)

// Prefixes for each identifier kind.
const (
	PrefixTask     = "task-"
	PrefixSession  = "webhook-"
	PrefixSubagent = "subagent-"
	PrefixGroup    = "group-"
	PrefixEvent    = "evt-"
	PrefixFlow     = "flow-"
)

// Hex returns n random lowercase hex characters.
func Hex(n int) string {
	s, err := gonanoid.Generate(hexAlphabet, n)
	if err != nil {
		// Generate only fails on invalid alphabet/size, both constant here.
		panic(fmt.Sprintf("ids: %v", err))
	}
	return s
}

// New returns prefix followed by 12 random hex characters.
func New(prefix string) string {
	return prefix + Hex(suffixLen)
}

// TaskID returns a new task identifier.
func TaskID() string { return New(PrefixTask) }

// SessionID returns a new webhook session identifier.
func SessionID() string { return New(PrefixSession) }

// ExecutionID returns a new subagent execution identifier.
func ExecutionID() string { return New(PrefixSubagent) }

// GroupID returns a new parallel group identifier.
func GroupID() string { return New(PrefixGroup) }

// EventID returns a new webhook event identifier.
func EventID() string { return New(PrefixEvent) }
