// Package mockagent materializes a deterministic stand-in for the claude CLI.
// Installed into a directory that is prepended to the subject's PATH, it
// shadows the real executable so task timing and output are controlled by the
// harness instead of a model.
package mockagent

import (
	"os"
	"path/filepath"
)

// CompletionMarker is the final line the stand-in emits; scenarios assert on
// it to prove logs survived until completion.
const CompletionMarker = "TASK_COMPLETE_MARKER_12345"

// QuickExitToken in a prompt makes the stand-in complete immediately.
const QuickExitToken = "QUICK_EXIT"

const script = `#!/bin/bash
# Deterministic claude stand-in for lifecycle testing.
# The prompt is the last argument.
PROMPT="${@: -1}"

echo "Mock Claude starting..."
echo "Prompt: $PROMPT"
echo "---"

if echo "$PROMPT" | grep -q "QUICK_EXIT"; then
    echo "Quick mode: completing immediately"
    echo "TASK_COMPLETE_MARKER_12345"
    exit 0
fi

for i in $(seq 1 20); do
    echo "Processing step $i of 20..."
    sleep 0.5
done

echo "---"
echo "Task completed successfully."
echo "TASK_COMPLETE_MARKER_12345"
exit 0
`

// Install writes the stand-in as <dir>/claude with execute permissions and
// returns its path.
func Install(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// InstallTemp installs the stand-in into a fresh temp directory and returns
// the directory (for PATH prepending) plus a cleanup func.
func InstallTemp() (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "aiw-mockagent-")
	if err != nil {
		return "", nil, err
	}
	if _, err := Install(dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
