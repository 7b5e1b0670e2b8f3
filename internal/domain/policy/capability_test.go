package policy

import (
	"reflect"
	"testing"
)

func TestCapabilityMatcher(t *testing.T) {
	tests := []struct {
		name   string
		grants []string
		demand string
		want   bool
	}{
		{"exact match", []string{"fs:read:workspace"}, "fs:read:workspace", true},
		{"exact mismatch", []string{"fs:read:workspace"}, "fs:write:workspace", false},
		{"plain grant does not cover longer demand", []string{"net:outbound"}, "net:outbound:docs.example.com", false},
		{"trailing wildcard covers suffix", []string{"net:outbound:*"}, "net:outbound:docs.example.com", true},
		{"trailing wildcard covers multi segment", []string{"net:*"}, "net:outbound:docs.example.com", true},
		{"mid wildcard", []string{"proc:*:git"}, "proc:spawn:git", true},
		{"mid wildcard mismatch", []string{"proc:*:git"}, "proc:spawn:rg", false},
		{"wildcard only", []string{"*"}, "anything:at:all", true},
		{"regex metacharacters quoted", []string{"fs:read:a.b"}, "fs:read:aXb", false},
		{"whitespace trimmed", []string{"  proc:spawn:git  "}, "proc:spawn:git", true},
		{"empty demand never matches", []string{"*"}, "", false},
		{"no grants", nil, "fs:read:workspace", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCapabilityMatcher(tt.grants)
			if got := m.Matches(tt.demand); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v (grants %v)", tt.demand, got, tt.want, tt.grants)
			}
		})
	}
}

func TestCapabilityMissing(t *testing.T) {
	m := NewCapabilityMatcher([]string{"fs:read:workspace", "proc:spawn:*"})

	got := m.Missing([]string{
		"fs:read:workspace",
		"proc:spawn:git",
		"net:outbound:docs.example.com",
		" net:outbound:docs.example.com ", // duplicate after trim
		"browser:unsafe_eval",
		"",
	})
	want := []string{"net:outbound:docs.example.com", "browser:unsafe_eval"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}
}

func TestCapabilityMissingAllCovered(t *testing.T) {
	m := NewCapabilityMatcher([]string{"*"})
	if got := m.Missing([]string{"a:b", "c:d:e"}); got != nil {
		t.Errorf("Missing() = %v, want nil", got)
	}
}
