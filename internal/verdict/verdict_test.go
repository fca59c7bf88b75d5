package verdict

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() func() time.Time {
	t0 := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestRecorderCountsAndExitCode(t *testing.T) {
	var buf bytes.Buffer
	r := newRecorder(&buf, fixedNow())

	r.Pass("initialize echoes protocol version")
	assert.Equal(t, 0, r.ExitCode())

	r.Fail("tool start_task listed", `{"tools":[]}`)
	r.Check("stop is idempotent", true, "")
	r.Check("logs preserved", false, "empty log_content")

	assert.Equal(t, 2, r.Passed())
	assert.Equal(t, 2, r.Failed())
	assert.Equal(t, 4, r.Total())
	assert.Equal(t, 1, r.ExitCode())

	out := buf.String()
	assert.Contains(t, out, "initialize echoes protocol version")
	assert.Contains(t, out, "Detail: {\"tools\":[]}")
}

func TestRecorderAssertionsAreImmutableSnapshots(t *testing.T) {
	r := newRecorder(nil, fixedNow())
	r.Pass("a")
	got := r.Assertions()
	got[0].Desc = "mutated"
	assert.Equal(t, "a", r.Assertions()[0].Desc)
}

func TestWriteReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")
	r := newRecorder(nil, fixedNow())
	r.Pass("handshake")
	r.Fail("discovery", "missing manage_task")

	rep, err := r.WriteReport(dir, "run-1")
	require.NoError(t, err)
	assert.False(t, rep.OK)
	assert.Equal(t, 2, rep.Total)

	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	var decoded ReportV1
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, rep, decoded)
	require.Len(t, decoded.Assertions, 2)
	assert.Equal(t, "missing manage_task", decoded.Assertions[1].Detail)

	txt, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(txt), "1 passed, 1 failed, 2 total")
	assert.Contains(t, string(txt), "FAIL  discovery")
}

func TestSummaryLine(t *testing.T) {
	var buf bytes.Buffer
	r := newRecorder(&buf, fixedNow())
	r.Pass("only")
	r.Summary()
	assert.Contains(t, buf.String(), "1 total")
}
