package main

import (
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket"
)

func TestParseIssueArg(t *testing.T) {
	want := ticket.Ref{Host: "github.com", Owner: "acme", Repo: "web", Number: 42}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"browser URL", "https://github.com/acme/web/issues/42", false},
		{"plain ref", "github.com/acme/web#42", false},
		{"garbage", "not-an-issue", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIssueArg(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseIssueArg(%q) expected error, got %+v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIssueArg(%q) failed: %v", tt.input, err)
			}
			if got != want {
				t.Errorf("parseIssueArg(%q) = %+v, want %+v", tt.input, got, want)
			}
		})
	}
}

func TestFormatRunLine(t *testing.T) {
	r := store.Run{
		IssueRef:  "github.com/acme/web#42",
		Workflow:  "Research",
		Outcome:   store.OutcomeSuccess,
		LogPath:   ".kiln/logs/runs/github.com/acme/web/42/research.log",
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	line := formatRunLine(r)
	for _, want := range []string{"github.com/acme/web#42", "Research", store.OutcomeSuccess, "research.log"} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %q", want, line)
		}
	}

	r.LogPath = ""
	if strings.Contains(formatRunLine(r), "log:") {
		t.Error("empty log path still rendered")
	}
}
