package labels

import (
	"sort"
	"testing"
)

func TestIsRunning(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{Preparing, true},
		{Researching, true},
		{Planning, true},
		{Implementing, true},
		{Reviewing, false},
		{ResearchReady, false},
		{Yolo, false},
		{"bug", false},
	}
	for _, tt := range tests {
		if got := IsRunning(tt.name); got != tt.want {
			t.Errorf("IsRunning(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsManaged(t *testing.T) {
	for _, def := range Required {
		if !IsManaged(def.Name) {
			t.Errorf("required label %q not managed", def.Name)
		}
	}
	if IsManaged("enhancement") {
		t.Error("user labels must not be managed")
	}
}

func TestRunning(t *testing.T) {
	present := map[string]bool{
		Researching: true,
		PlanReady:   true,
		"bug":       true,
	}
	got := Running(present)
	if len(got) != 1 || got[0] != Researching {
		t.Errorf("Running() = %v, want [%s]", got, Researching)
	}
}

func TestManagedFilters(t *testing.T) {
	present := map[string]bool{
		Implementing: true,
		Yolo:         true,
		"enhancement": true,
	}
	got := Managed(present)
	sort.Strings(got)
	if len(got) != 2 || got[0] != Implementing || got[1] != Yolo {
		t.Errorf("Managed() = %v", got)
	}
}

func TestRequiredHaveColors(t *testing.T) {
	for _, def := range Required {
		if def.Color == "" || def.Description == "" {
			t.Errorf("label %q missing color or description", def.Name)
		}
		if len(def.Color) != 6 {
			t.Errorf("label %q color %q is not a 6-digit hex value", def.Name, def.Color)
		}
	}
}
