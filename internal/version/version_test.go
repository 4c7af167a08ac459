package version

import (
	"strings"
	"testing"
)

func TestInfoContainsVersion(t *testing.T) {
	if !strings.Contains(Info(), Version) {
		t.Errorf("Info() = %q, expected to contain %q", Info(), Version)
	}
}

func TestMapKeys(t *testing.T) {
	m := Map()
	for _, key := range []string{"version", "git_commit", "build_date", "go_version", "os", "arch"} {
		if _, ok := m[key]; !ok {
			t.Errorf("Map() missing key %q", key)
		}
	}
}
