package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
	"github.com/vietddude/wlantunnel/internal/core/retry"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
	"github.com/vietddude/wlantunnel/internal/engine/dispatch"
)

const testPolicies = `[
  {
    "ApnName": "ims",
    "ErrorTypes": [
      {
        "ErrorType": "IKE_PROTOCOL_ERROR_TYPE",
        "ErrorDetails": ["24", "9000-9050"],
        "RetryArray": ["4", "8", "-1"],
        "UnthrottlingEvents": ["APM_ENABLE_EVENT"],
        "HandoverAttemptCount": "2"
      }
    ]
  }
]`

func TestPolicyValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, []byte(testPolicies), 0o600); err != nil {
		t.Fatalf("write policies: %v", err)
	}

	var out bytes.Buffer
	policyValidateCmd.SetOut(&out)
	asDefaults = false
	if err := runPolicyValidate(policyValidateCmd, []string{path}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"ims", "IKE_PROTOCOL_ERROR_TYPE", "24,9000-9050", "[4,8,-1]",
		"Unthrottling events: APM_ENABLE_EVENT,WIFI_CALLING_DISABLE_EVENT,WIFI_DISABLE_EVENT",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	asDefaults = true
	defer func() { asDefaults = false }()
	if err := runPolicyValidate(policyValidateCmd, []string{path}); err == nil {
		t.Error("expected catch-all error when validating as defaults")
	}
}

func TestPrintBuiltinDefaults(t *testing.T) {
	var out bytes.Buffer
	printPolicies(&out, policy.BuiltinDefaults())
	if !strings.Contains(out.String(), "*") || strings.Count(out.String(), "\n") != 3 {
		t.Errorf("unexpected table:\n%s", out.String())
	}
}

func TestPrintOutcomes(t *testing.T) {
	var out bytes.Buffer
	printOutcomes(&out, []*domain.TunnelOutcome{{
		Slot:       1,
		APN:        "ims",
		Kind:       domain.OutcomeSetupFailure,
		Error:      "IKE_PROTOCOL_EXCEPTION(24)",
		RetryDelay: 4 * time.Second,
		CreatedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	text := out.String()
	for _, want := range []string{"2025-01-01T00:00:00Z", "setup_failure", "IKE_PROTOCOL_EXCEPTION(24)", "4s"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, []*dispatch.Snapshot{{
		Slot:      0,
		Tunnels:   []tunnel.RecordSnapshot{{APN: "internet", State: tunnel.StateUp}},
		Throttled: []retry.StateSnapshot{{APN: "ims", Error: "IKE_PROTOCOL_EXCEPTION(24)", Failures: 3, Remaining: 8 * time.Second, NoAutoRetry: true}},
	}})
	text := out.String()
	for _, want := range []string{"internet", "Up - tunnel established", "throttled", "IKE_PROTOCOL_EXCEPTION(24)", "8s (manual)"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
