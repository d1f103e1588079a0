package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T, attrs ...slog.Attr) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	log.LogAttrs(context.Background(), slog.LevelInfo, "event", attrs...)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	return entry
}

func TestIdentifiersAreFingerprinted(t *testing.T) {
	entry := capture(t, slog.String("service_identifier", "uid1abcdef"))
	if _, plain := entry["service_identifier"]; plain {
		t.Fatal("plain identifier leaked into the log")
	}
	fp, ok := entry["service_identifier_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("fingerprint attr = %v", entry["service_identifier_fp"])
	}
	if strings.Contains(fp, "uid1abcdef") {
		t.Fatal("fingerprint contains the raw identifier")
	}
}

func TestFingerprintIsStableWithinBoot(t *testing.T) {
	a := FingerprintID("uid1same")
	b := FingerprintID("uid1same")
	c := FingerprintID("uid1other")
	if a != b {
		t.Fatal("same identifier must fingerprint identically within one boot")
	}
	if a == c {
		t.Fatal("distinct identifiers must fingerprint distinctly")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank input must fingerprint to empty")
	}
}

func TestGroupedAttrsAreSanitized(t *testing.T) {
	entry := capture(t, slog.Group("session",
		slog.String("service_identifier", "uid1nested"),
		slog.String("mnemonic", "abandon abandon about"),
		slog.String("class", "replay"),
	))
	group, ok := entry["session"].(map[string]any)
	if !ok {
		t.Fatalf("group attr = %v", entry["session"])
	}
	if _, plain := group["service_identifier"]; plain {
		t.Fatal("plain identifier leaked inside a group")
	}
	fp, ok := group["service_identifier_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("nested fingerprint = %v", group["service_identifier_fp"])
	}
	if group["mnemonic"] != redactedValue {
		t.Fatalf("nested mnemonic = %v", group["mnemonic"])
	}
	if group["class"] != "replay" {
		t.Fatalf("nested benign attr rewritten: %v", group["class"])
	}
}

func TestSecretsAreRedacted(t *testing.T) {
	entry := capture(t,
		slog.String("mnemonic", "abandon abandon about"),
		slog.String("template_secret", "deadbeef"),
		slog.String("class", "replay"),
	)
	if entry["mnemonic"] != redactedValue {
		t.Fatalf("mnemonic = %v", entry["mnemonic"])
	}
	if entry["template_secret"] != redactedValue {
		t.Fatalf("template_secret = %v", entry["template_secret"])
	}
	if entry["class"] != "replay" {
		t.Fatalf("benign attr rewritten: %v", entry["class"])
	}
}
