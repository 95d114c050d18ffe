// Package export mirrors finished detections into a property graph, so rings
// can be browsed next to the accounts and transfers they span.
package export

import (
	"context"
	"errors"
)

// ErrNoURI is returned when graph export is enabled without a Bolt URI.
var ErrNoURI = errors.New("export: bolt URI is required")

// Statement is one parameterised cypher query.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Graph is the store that session rings and accounts are written to.
type Graph interface {
	Write(ctx context.Context, st Statement) error
	Read(ctx context.Context, st Statement) ([]Row, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Row is one returned record keyed by its RETURN alias.
type Row map[string]any

// Text returns the string under key, or "" when absent.
func (r Row) Text(key string) string {
	s, _ := r[key].(string)
	return s
}

// Number returns the numeric value under key. Bolt integers arrive as int64.
func (r Row) Number(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Texts returns the string elements of the list under key.
func (r Row) Texts(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
