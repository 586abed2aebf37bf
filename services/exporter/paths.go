package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"veracodecsv/services/veracode"
)

const fileTimeLayout = "2006-01-02-150405"

// CleanAppName trims name and drops every rune that is not a letter, digit,
// underscore or hyphen.
func CleanAppName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(name))
}

// FilePath returns where the CSV for a build is written. sandboxID is empty
// for policy builds.
func FilePath(outputDir string, kind veracode.Kind, appName, sandboxID, buildID string, now time.Time) string {
	parts := []string{CleanAppName(appName)}
	if sandboxID != "" {
		parts = append(parts, sandboxID)
	}
	parts = append(parts, buildID, now.UTC().Format(fileTimeLayout))
	return filepath.Join(outputDir, string(kind), strings.Join(parts, "-")+".csv")
}

// EnsureOutputDirs creates one directory per scan kind under outputDir.
func EnsureOutputDirs(outputDir string) error {
	for _, kind := range veracode.Kinds {
		dir := filepath.Join(outputDir, string(kind))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir %s: %w", dir, err)
		}
	}
	return nil
}
