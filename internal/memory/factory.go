package memory

import (
	"context"
	"regexp"
	"strings"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName reports whether name can be used as a persistence target.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return configErrorf("table name %q must match %s", name, tableNamePattern.String())
	}
	return nil
}

// OpenDatabase picks a backend from the URL scheme: postgres for postgres:// URLs,
// sqlite for sqlite: or file: URLs, and an in-process database when url is empty.
func OpenDatabase(ctx context.Context, url string) (Database, error) {
	url = strings.TrimSpace(url)
	lower := strings.ToLower(url)
	switch {
	case url == "":
		return NewInMemoryDatabase(), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresDatabase(ctx, url)
	case strings.HasPrefix(lower, "sqlite:"):
		return OpenSQLiteDatabase(strings.TrimPrefix(url[len("sqlite:"):], "//"))
	case strings.HasPrefix(lower, "file:"):
		return OpenSQLiteDatabase(url)
	default:
		return nil, configErrorf("unsupported database url scheme in %q", redactURL(url))
	}
}

func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
