package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// IntegrationTestSpec is one data-driven CLI test case.
type IntegrationTestSpec struct {
	Name    string   `yaml:"name"`
	Input   string   `yaml:"input"`
	Args    []string `yaml:"args,omitempty"`
	Expect  []string `yaml:"expect,omitempty"`
	WantErr bool     `yaml:"want_err,omitempty"`
	Skip    string   `yaml:"skip,omitempty"`
}

// IntegrationTestFile is the integration.yaml structure.
type IntegrationTestFile struct {
	Tests []IntegrationTestSpec `yaml:"tests"`
}

func TestIntegration(t *testing.T) {
	data, err := os.ReadFile("testdata/integration.yaml")
	if err != nil {
		t.Fatalf("reading integration.yaml: %v", err)
	}
	var testFile IntegrationTestFile
	if err := yaml.Unmarshal(data, &testFile); err != nil {
		t.Fatalf("parsing integration.yaml: %v", err)
	}

	for _, tc := range testFile.Tests {
		t.Run(tc.Name, func(t *testing.T) {
			if tc.Skip != "" {
				t.Skip(tc.Skip)
			}
			resetFlags()
			var out, errOut bytes.Buffer
			cmd := newRootCmd(&out, &errOut)
			cmd.SetArgs(append(append([]string{}, tc.Args...), tc.Input))
			err := cmd.Execute()

			if tc.WantErr {
				if err == nil {
					t.Fatalf("expected an error, got none\nstdout: %s", out.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v\nstderr: %s", err, errOut.String())
			}
			for _, want := range tc.Expect {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q\nstdout: %s", want, out.String())
				}
			}
		})
	}
}
