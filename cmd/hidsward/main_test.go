package main

import (
	"bytes"
	"context"
	"testing"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "empty defaults to dev", version: "", commit: "", want: "dev"},
		{name: "unknown commit ignored", version: "0.4.0", commit: "unknown", want: "0.4.0"},
		{name: "commit appended", version: "v0.4.0", commit: "9f1c2d", want: "v0.4.0+9f1c2d"},
		{name: "commit already in version", version: "v0.4.0-9f1c2d", commit: "9f1c2d", want: "v0.4.0-9f1c2d"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() { version, commit = origVersion, origCommit })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, commit = tt.version, tt.commit
			if got := versionString(); got != tt.want {
				t.Fatalf("versionString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunUnknownCommandExitsOne(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"no-such-command"}, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected an error message")
	}
}

func TestRunServerUnreachableExitsOne(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--server", "unix:///nonexistent/hidsward.sock", "blocks"}, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
