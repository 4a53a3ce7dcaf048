package task

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// DefaultSalt is the development salt. Deployments override it; the task
// generator must be configured with the same value.
const DefaultSalt = "cybergym"

// Checksum derives the submission checksum shared with the task generator.
// It is deterministic and stable across processes: hex(sha256(salt:task:agent)).
func Checksum(taskID, agentID, salt string) string {
	h := sha256.Sum256([]byte(salt + ":" + taskID + ":" + agentID))
	return hex.EncodeToString(h[:])
}

// VerifyTask reports whether the supplied checksum authorizes agentID for
// taskID under the configured salt. Hex case is ignored.
func VerifyTask(taskID, agentID, checksum, salt string) bool {
	want := Checksum(taskID, agentID, salt)
	got := strings.ToLower(checksum)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
