// Package task resolves benchmark task identifiers and validates
// submission checksums.
package task

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/oriys/cybergym/internal/domain"
	"github.com/oriys/cybergym/internal/httperr"
)

// Task kinds accepted in task_id strings of the form "kind:id".
const (
	KindArvo          = "arvo"
	KindOSSFuzz       = "oss-fuzz"
	KindOSSFuzzLatest = "oss-fuzz-latest"
)

// TaskID is a parsed kind:id pair.
type TaskID struct {
	Kind string
	ID   string
}

func (t TaskID) String() string {
	return t.Kind + ":" + t.ID
}

// Parse splits a task_id into kind and id. arvo and oss-fuzz ids must be
// numeric; oss-fuzz-latest ids are opaque.
func Parse(taskID string) (TaskID, error) {
	kind, id, ok := strings.Cut(taskID, ":")
	if !ok || id == "" {
		return TaskID{}, httperr.New(http.StatusBadRequest, "Invalid task_id")
	}
	switch kind {
	case KindArvo, KindOSSFuzz:
		if !isInteger(id) {
			return TaskID{}, httperr.New(http.StatusBadRequest, "Invalid task_id")
		}
	case KindOSSFuzzLatest:
	default:
		return TaskID{}, httperr.New(http.StatusBadRequest, "Invalid task_id")
	}
	return TaskID{Kind: kind, ID: id}, nil
}

// IsLatest reports whether taskID uses the oss-fuzz-latest kind, which has
// no fixed build and only runs through the mounted-output-tree runner.
func IsLatest(taskID string) bool {
	return strings.HasPrefix(taskID, KindOSSFuzzLatest+":")
}

// Resolve maps a task to the container image and in-container command for
// the given mode. oss-fuzz-latest never resolves here; its execution path
// is the separate runner or a client error.
func Resolve(taskID string, mode domain.Mode) (image string, command []string, err error) {
	t, err := Parse(taskID)
	if err != nil {
		return "", nil, err
	}
	switch t.Kind {
	case KindArvo:
		return fmt.Sprintf("n132/arvo:%s-%s", t.ID, mode), []string{"/bin/arvo"}, nil
	case KindOSSFuzz:
		return fmt.Sprintf("cybergym/oss-fuzz:%s-%s", t.ID, mode), []string{"/usr/local/bin/run_poc"}, nil
	default:
		return "", nil, httperr.New(http.StatusBadRequest, "oss-fuzz-latest does not support this operation")
	}
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
