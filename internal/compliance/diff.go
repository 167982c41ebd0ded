package compliance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kubekattle/kred/pkg/api"
)

// DiffReports renders a unified diff of two report documents. An empty
// string means the posture did not change between the scans.
func DiffReports(previous, latest *api.Report) (string, error) {
	prevDoc, err := json.MarshalIndent(previous, "", "  ")
	if err != nil {
		return "", err
	}
	latestDoc, err := json.MarshalIndent(latest, "", "  ")
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(prevDoc)),
		B:        difflib.SplitLines(string(latestDoc)),
		FromFile: fmt.Sprintf("scan %s", previous.GeneratedAt.Format(time.RFC3339)),
		ToFile:   fmt.Sprintf("scan %s", latest.GeneratedAt.Format(time.RFC3339)),
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

// DiffLatest diffs the two most recent stored scans.
func DiffLatest(history *History) (string, error) {
	previous, latest, err := history.LastTwo()
	if err != nil {
		return "", err
	}
	return DiffReports(previous, latest)
}
