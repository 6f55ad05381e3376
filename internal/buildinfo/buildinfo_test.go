package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"with commit", Info{Version: "1.2.0", Commit: "abc123", GoVersion: "go1.25"}, "1.2.0 (abc123) go1.25"},
		{"no commit", Info{Version: "1.2.0", GoVersion: "go1.25"}, "1.2.0 go1.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCurrentAlwaysHasVersion(t *testing.T) {
	info := Current()
	if info.Version == "" {
		t.Fatalf("Current().Version is empty")
	}
	if !strings.HasPrefix(info.GoVersion, "go") {
		t.Fatalf("GoVersion = %q", info.GoVersion)
	}
}
