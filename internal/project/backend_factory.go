package project

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BuildBackendFromDSN maps a DSN to a backend:
//
//	memory://            MemoryBackend
//	file:///path.json    JSONFileBackend (a bare path works too)
//	journal:///path.json JournalBackend, optional ?capacity=N
//	postgres://...       PostgresBackend
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty backend dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileBackend(path), nil
	case "journal":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		capacity := 0
		if raw := parsed.Query().Get("capacity"); raw != "" {
			capacity, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: journal capacity %q", ErrInvalidInput, raw)
			}
		}
		journal, err := NewJournalBackend(path, capacity)
		if err != nil {
			return nil, err
		}
		return journal, nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		pg, err := NewPostgresBackend(dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

// BackendName derives a registry id from a DSN: its scheme, or "file" for a
// bare path.
func BackendName(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || parsed.Scheme == "" {
		return "file"
	}
	return normalizeBackendScheme(parsed.Scheme)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
