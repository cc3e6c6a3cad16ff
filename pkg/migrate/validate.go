package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

const (
	markerUp             = "-- +goose Up"
	markerDown           = "-- +goose Down"
	markerStatementBegin = "-- +goose StatementBegin"
	markerStatementEnd   = "-- +goose StatementEnd"
)

// ValidateDir checks every migration in dir and reports all problems at once.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	var result error
	seen := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		name := e.Name()

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			result = multierr.Append(result, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name))
			continue
		}
		if prev, ok := seen[m[1]]; ok {
			result = multierr.Append(result, fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name))
		}
		seen[m[1]] = name

		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			result = multierr.Append(result, fmt.Errorf("read file %q: %w", name, err))
			continue
		}
		result = multierr.Append(result, validateSQL(name, string(b)))
	}
	return result
}

func validateSQL(name, txt string) error {
	var err error
	up := strings.Index(txt, markerUp)
	down := strings.Index(txt, markerDown)
	if up < 0 {
		err = multierr.Append(err, fmt.Errorf("migration %q missing %q", name, markerUp))
	}
	if down < 0 {
		err = multierr.Append(err, fmt.Errorf("migration %q missing %q", name, markerDown))
	}
	if up >= 0 && down >= 0 && down < up {
		err = multierr.Append(err, fmt.Errorf("migration %q has Down before Up", name))
	}
	begins := strings.Count(txt, markerStatementBegin)
	ends := strings.Count(txt, markerStatementEnd)
	if begins != ends {
		err = multierr.Append(err, fmt.Errorf("migration %q has %d StatementBegin and %d StatementEnd", name, begins, ends))
	}
	return err
}
