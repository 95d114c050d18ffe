package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateTenantID(t *testing.T) {
	valid := []string{"tenant-001", "ACME", "a", "bank_7", strings.Repeat("x", 64)}
	for _, id := range valid {
		if err := ValidateTenantID(id); err != nil {
			t.Errorf("expected %q to be valid, got %v", id, err)
		}
	}

	invalid := []string{"", GlobalTenantID, JobPartition, "-lead", "a.b", "a>b", "a b", strings.Repeat("x", 65)}
	for _, id := range invalid {
		if err := ValidateTenantID(id); !errors.Is(err, ErrInvalidTenant) {
			t.Errorf("expected %q to be rejected, got %v", id, err)
		}
	}
}
