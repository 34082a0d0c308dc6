package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store holds files staged during an execution, keyed by execution id and
// a relative path of the form {stepId}/{filename}.
type Store interface {
	Put(ctx context.Context, executionID, path string, content []byte) error
	Get(ctx context.Context, executionID, path string) ([]byte, error)
	GetURL(ctx context.Context, executionID, path string) (string, error)
	List(ctx context.Context, executionID string) ([]string, error)
}

var ErrNotFound = errors.New("artifact not found")

func normalizeKey(executionID, path string) (string, string, error) {
	executionID = strings.TrimSpace(executionID)
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if executionID == "" {
		return "", "", fmt.Errorf("execution_id is required")
	}
	if strings.ContainsAny(executionID, `/\`) || strings.Contains(executionID, "..") {
		return "", "", fmt.Errorf("invalid execution_id: %s", executionID)
	}
	if path == "" {
		return "", "", fmt.Errorf("path is required")
	}
	if strings.Contains(path, "..") {
		return "", "", fmt.Errorf("invalid path: %s", path)
	}
	return executionID, path, nil
}

func objectKey(executionID, path string) string {
	return executionID + "/" + path
}
