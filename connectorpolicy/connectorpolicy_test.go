package connectorpolicy

import "testing"

func TestAllowedWithNoListsPermitsEverything(t *testing.T) {
	e := New(Options{})
	if !e.Allowed("any-connector") {
		t.Fatal("expected unrestricted engine to allow any connector")
	}
}

func TestBlockOverridesAllow(t *testing.T) {
	e := New(Options{AllowConnectors: []string{"slack-out"}, BlockConnectors: []string{"slack-out"}})
	if e.Allowed("slack-out") {
		t.Fatal("expected block to take precedence over allow")
	}
}

func TestAllowlistExcludesUnlisted(t *testing.T) {
	e := New(Options{AllowConnectors: []string{"slack-out"}})
	if !e.Allowed("slack-out") {
		t.Fatal("expected slack-out to be allowed")
	}
	if e.Allowed("email-out") {
		t.Fatal("expected email-out to be rejected, not in allowlist")
	}
}

func TestLabelDefaultsWhenUnset(t *testing.T) {
	e := New(Options{})
	if e.Label() != "default" {
		t.Fatalf("expected default label, got %q", e.Label())
	}
}
