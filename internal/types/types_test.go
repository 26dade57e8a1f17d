package types

import (
	"testing"
)

func TestRunValidate(t *testing.T) {
	tests := []struct {
		name    string
		run     Run
		wantErr bool
	}{
		{
			name: "valid run",
			run: Run{
				RepoURL:    "https://github.com/acme/widgets.git",
				RetryLimit: 3,
				Status:     RunQueued,
				CIStatus:   CIPending,
			},
			wantErr: false,
		},
		{
			name: "missing repo url",
			run: Run{
				RetryLimit: 3,
				Status:     RunQueued,
				CIStatus:   CIPending,
			},
			wantErr: true,
		},
		{
			name: "retry limit too high",
			run: Run{
				RepoURL:    "https://github.com/acme/widgets.git",
				RetryLimit: 99,
				Status:     RunQueued,
				CIStatus:   CIPending,
			},
			wantErr: true,
		},
		{
			name: "negative retry limit",
			run: Run{
				RepoURL:    "https://github.com/acme/widgets.git",
				RetryLimit: -1,
				Status:     RunQueued,
				CIStatus:   CIPending,
			},
			wantErr: true,
		},
		{
			name: "bogus status",
			run: Run{
				RepoURL:    "https://github.com/acme/widgets.git",
				RetryLimit: 3,
				Status:     RunStatus("exploded"),
				CIStatus:   CIPending,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunValidateDefaultsRetryLimit(t *testing.T) {
	run := Run{
		RepoURL:  "https://github.com/acme/widgets.git",
		Status:   RunQueued,
		CIStatus: CIPending,
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if run.RetryLimit != DefaultRetryLimit {
		t.Errorf("expected retry limit defaulted to %d, got %d", DefaultRetryLimit, run.RetryLimit)
	}
}

func TestRunTerminal(t *testing.T) {
	for status, want := range map[RunStatus]bool{
		RunQueued:    false,
		RunRunning:   false,
		RunCompleted: true,
		RunFailed:    true,
	} {
		run := Run{Status: status}
		if got := run.Terminal(); got != want {
			t.Errorf("Terminal() for %s = %v, want %v", status, got, want)
		}
	}
}

func TestEnumValidity(t *testing.T) {
	valid := []struct {
		name string
		ok   bool
	}{
		{"run statuses", RunQueued.IsValid() && RunRunning.IsValid() && RunCompleted.IsValid() && RunFailed.IsValid()},
		{"ci statuses", CIPending.IsValid() && CIRunning.IsValid() && CIPassed.IsValid() && CIFailed.IsValid()},
		{"bug categories", CategoryLinting.IsValid() && CategorySyntax.IsValid() && CategoryLogic.IsValid() && CategoryTypeError.IsValid() && CategoryImport.IsValid() && CategoryIndentation.IsValid()},
		{"exec methods", MethodIsolated.IsValid() && MethodSubprocess.IsValid() && MethodSkipped.IsValid()},
		{"phases", PhaseBaseline.IsValid() && PhaseVerification.IsValid()},
	}
	for _, v := range valid {
		if !v.ok {
			t.Errorf("%s: expected all declared values to be valid", v.name)
		}
	}

	if RunStatus("bogus").IsValid() {
		t.Error("unexpected valid run status")
	}
	if BugCategory("speling").IsValid() {
		t.Error("unexpected valid bug category")
	}
	if ExecMethod("teleport").IsValid() {
		t.Error("unexpected valid exec method")
	}
	if Phase("warmup").IsValid() {
		t.Error("unexpected valid phase")
	}
}
