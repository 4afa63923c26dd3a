package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
)

var makefileTestTarget = regexp.MustCompile(`(?m)^test\s*:`)

// DetectTestCommand inspects folder for a recognizable test entry point.
// Returns "" when nothing is detected; the workflow then runs without a
// test gate.
func DetectTestCommand(folder string) string {
	if data, err := os.ReadFile(filepath.Join(folder, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			if _, ok := pkg.Scripts["test"]; ok {
				return "npm test"
			}
		}
	}
	if data, err := os.ReadFile(filepath.Join(folder, "Makefile")); err == nil {
		if makefileTestTarget.Match(data) {
			return "make test"
		}
	}
	if _, err := os.Stat(filepath.Join(folder, "go.mod")); err == nil {
		return "go test ./..."
	}
	return ""
}
