package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =skip,tenant=escrow")
	if len(got) != 2 || got["api-key"] != "abc" || got["tenant"] != "escrow" {
		t.Fatalf("unexpected headers: %v", got)
	}
}

func TestResourceAttributesNameTheMarketplace(t *testing.T) {
	attrs := ResourceAttributes(Config{
		ServiceName: "escrowd",
		Registry:    "0x00000000000000000000000000000000000000e1",
		Locker:      "0x00000000000000000000000000000000000000c1",
		Simulated:   true,
	})
	set := attribute.NewSet(attrs...)
	if v, ok := set.Value(AttrRegistry); !ok || v.AsString() != "0x00000000000000000000000000000000000000e1" {
		t.Fatalf("registry attribute missing: %v", attrs)
	}
	if v, ok := set.Value(AttrLocker); !ok || v.AsString() != "0x00000000000000000000000000000000000000c1" {
		t.Fatalf("locker attribute missing: %v", attrs)
	}
	if v, ok := set.Value(AttrSimulated); !ok || !v.AsBool() {
		t.Fatalf("simulated attribute missing: %v", attrs)
	}
	if _, ok := set.Value("deployment.environment"); ok {
		t.Fatalf("environment should be omitted when empty")
	}
}
