package domain

import (
	"errors"
	"regexp"
)

// ErrInvalidTenant is returned for tenant IDs that could not be used safely
// as a bus subject token or a cache key segment.
var ErrInvalidTenant = errors.New("tenant ID must be 1-64 letters, digits, '-' or '_' and start with a letter or digit")

// Reserved partitions such as GlobalTenantID and JobPartition never match.
var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateTenantID checks a caller-supplied tenant ID.
func ValidateTenantID(id string) error {
	if !tenantPattern.MatchString(id) {
		return ErrInvalidTenant
	}
	return nil
}
