package task

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/harun/agentrelay/pkg/ids"
)

// FlowID derives the flow id of an external event. Equal external ids always
// give equal flow ids.
func FlowID(externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return ids.PrefixFlow + hex.EncodeToString(sum[:])[:12]
}
