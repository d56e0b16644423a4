package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupWithOutputRewritesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOutput("escrowd", "test", &buf)
	logger.Info("milestone released", slog.String("escrow", "0xabc"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{
		"message":  "milestone released",
		"severity": "INFO",
		"service":  "escrowd",
		"env":      "test",
		"escrow":   "0xabc",
	} {
		if got, _ := line[key].(string); got != want {
			t.Fatalf("%s: got %q want %q", key, got, want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("Authorization", "Bearer abc"); attr.Value.String() != RedactedValue {
		t.Fatalf("authorization not masked: %v", attr)
	}
	if attr := MaskField("caller", "0x01"); attr.Value.String() != "0x01" {
		t.Fatalf("caller masked: %v", attr)
	}
	if attr := MaskField("secret", ""); attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %v", attr)
	}
}

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOutput("escrowd", "", &buf)
	logger.Info("webhook registered", slog.String("secret", "hunter2"), slog.String("escrow", "0xabc"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["secret"] != RedactedValue || line["escrow"] != "0xabc" {
		t.Fatalf("unexpected redaction: %v", line)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://user:pw@hooks.example.com/escrow?token=abc": "https://%5BREDACTED%5D@hooks.example.com/escrow?[REDACTED]",
		"https://hooks.example.com/escrow":                   "https://hooks.example.com/escrow",
		"://bad":                                             RedactedValue,
	}
	for raw, want := range cases {
		if got := RedactURL(raw); got != want {
			t.Fatalf("RedactURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSetupWithFileWithoutPath(t *testing.T) {
	logger, closer := SetupWithFile("escrowd", "", FileOptions{})
	if logger == nil {
		t.Fatalf("nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
