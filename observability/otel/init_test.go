package otel

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer x ,bad, =skip,tenant=lend")
	want := map[string]string{"authorization": "Bearer x", "tenant": "lend"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseHeaders = %v, want %v", got, want)
	}
}

func TestInitValidation(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name error")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "lendingd", SampleRatio: 1.5}); err == nil {
		t.Fatalf("expected sample ratio error")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerDescription(t *testing.T) {
	if desc := Sampler(0).Description(); !strings.Contains(desc, "AlwaysOnSampler") {
		t.Fatalf("zero ratio should always sample: %s", desc)
	}
	if desc := Sampler(0.25).Description(); !strings.Contains(desc, "TraceIDRatioBased") {
		t.Fatalf("ratio sampler expected: %s", desc)
	}
}
