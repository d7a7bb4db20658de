package main

import (
	"bytes"
	"strings"
	"testing"
)

// resetFlags restores the package-level flag state between tests, since
// cobra binds flags to shared variables.
func resetFlags() {
	dParse = false
	dType = false
	dBytecode = false
	entryName = "main"
	configPath = ""
	verbose = false
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestFlagsExist(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)

	for _, flagName := range []string{"dparse", "dtype", "dbytecode", "entry", "config", "verbose"} {
		if cmd.Flags().Lookup(flagName) == nil {
			t.Errorf("expected flag --%s to exist", flagName)
		}
	}
}

func TestRunMainPrintsResult(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"testdata/double_main.json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v\nstderr: %s", err, errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != "42" {
		t.Fatalf("output = %q, want \"42\"", got)
	}
}

func TestRunMissingEntryFails(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"--entry", "nothing", "testdata/double_main.json"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error for a missing entry function")
	}
	if !strings.Contains(errOut.String(), `no function "nothing"`) {
		t.Fatalf("stderr = %q, want a missing-entry message", errOut.String())
	}
}

func TestParseErrorsPrintedOnePerLine(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"--dparse", "testdata/bad.json"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected parse errors to fail the command")
	}
	stderr := errOut.String()
	if !strings.Contains(stderr, "/0/inputs/0/type") || !strings.Contains(stderr, "/0/inputs/1/type") {
		t.Fatalf("stderr = %q, want both error paths reported", stderr)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	cfg, err := loadConfig("testdata/config.yaml")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.RegisterStackCapacity != 256 {
		t.Errorf("RegisterStackCapacity = %d, want 256", cfg.RegisterStackCapacity)
	}
	if cfg.ConstantCapacity != 128 {
		t.Errorf("ConstantCapacity = %d, want 128", cfg.ConstantCapacity)
	}
	if cfg.InstructionCapacity != 65536 {
		t.Errorf("InstructionCapacity = %d, want 65536", cfg.InstructionCapacity)
	}
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.RegisterStackCapacity != 1024 {
		t.Errorf("RegisterStackCapacity = %d, want the 1024 default", cfg.RegisterStackCapacity)
	}
}
