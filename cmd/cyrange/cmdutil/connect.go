// Package cmdutil holds helpers shared by the cyrange subcommands.
package cmdutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cyrange/internal/controlapi"
)

// Connect dials the daemon control socket. An empty socket resolves to
// $CYRANGE_SOCKET or the platform default.
func Connect(socket string) (*controlapi.Client, error) {
	path := ResolveSocketPath(socket)
	client, err := controlapi.NewUnix(path)
	if err != nil {
		return nil, fmt.Errorf("connect to cyranged at %s: %w", path, err)
	}
	return client, nil
}

func ResolveSocketPath(in string) string {
	if s := strings.TrimSpace(in); s != "" {
		return s
	}
	return controlapi.DefaultSocketPath()
}

// CurrentUser names the operator recorded as a record's creator.
func CurrentUser() string {
	for _, key := range []string{"CYRANGE_USER", "USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// ParseTime accepts RFC3339 timestamps and plain dates.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

// WriteJSON prints v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
