package verdict

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const ReportSchemaV1 = 1

type ReportV1 struct {
	SchemaVersion int         `json:"schemaVersion"`
	RunID         string      `json:"runId"`
	StartedAt     string      `json:"startedAt"`
	EndedAt       string      `json:"endedAt"`
	Passed        int         `json:"passed"`
	Failed        int         `json:"failed"`
	Total         int         `json:"total"`
	OK            bool        `json:"ok"`
	Assertions    []Assertion `json:"assertions"`
}

// WriteReport materializes the run verdict under dir as report.json plus a
// human-readable report.txt, creating the directory as needed.
func (r *Recorder) WriteReport(dir, runID string) (ReportV1, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ReportV1{}, err
	}
	rep := ReportV1{
		SchemaVersion: ReportSchemaV1,
		RunID:         runID,
		StartedAt:     r.started.UTC().Format(time.RFC3339),
		EndedAt:       r.now().UTC().Format(time.RFC3339),
		Passed:        r.passed,
		Failed:        r.failed,
		Total:         r.Total(),
		OK:            r.failed == 0,
		Assertions:    r.Assertions(),
	}

	jsonPath := filepath.Join(dir, "report.json")
	f, err := os.Create(jsonPath)
	if err != nil {
		return ReportV1{}, err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rep); err != nil {
		_ = f.Close()
		return ReportV1{}, err
	}
	if err := f.Close(); err != nil {
		return ReportV1{}, err
	}

	txt := renderText(rep)
	if err := os.WriteFile(filepath.Join(dir, "report.txt"), []byte(txt), 0o644); err != nil {
		return ReportV1{}, err
	}
	return rep, nil
}

func renderText(rep ReportV1) string {
	out := fmt.Sprintf("run %s: %d passed, %d failed, %d total\n\n", rep.RunID, rep.Passed, rep.Failed, rep.Total)
	for _, a := range rep.Assertions {
		mark := "PASS"
		if !a.OK {
			mark = "FAIL"
		}
		out += fmt.Sprintf("%s  %s\n", mark, a.Desc)
		if !a.OK && a.Detail != "" {
			out += fmt.Sprintf("      detail: %s\n", a.Detail)
		}
	}
	return out
}
