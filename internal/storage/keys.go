package storage

import (
	"fmt"
	"path"
	"regexp"
)

var keyComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildResultManifestKey returns the object key of the manifest describing a
// stored result set.
func BuildResultManifestKey(resultsKey string) (string, error) {
	if err := validateKeyComponent(resultsKey, "results key"); err != nil {
		return "", err
	}
	return path.Join("results", resultsKey, "manifest.json"), nil
}

// BuildResultRowsKey returns the object key of the row payload of a stored
// result set.
func BuildResultRowsKey(resultsKey string) (string, error) {
	if err := validateKeyComponent(resultsKey, "results key"); err != nil {
		return "", err
	}
	return path.Join("results", resultsKey, "rows.parquet"), nil
}

func validateKeyComponent(value, field string) error {
	if !keyComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
