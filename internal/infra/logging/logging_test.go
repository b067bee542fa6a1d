//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWith_AddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "tr-1")
	ctx = WithCadence(ctx, "reconcile")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithBatchID(ctx, "01J0")

	With(ctx, &base).Info().Msg("hello")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for k, want := range map[string]string{"trace_id": "tr-1", "cadence": "reconcile", "tenant_id": "acme", "batch_id": "01J0"} {
		if got[k] != want {
			t.Errorf("%s = %v, want %s", k, got[k], want)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("sk-abcdefghijkl", false); got != "sk-a...kl" {
		t.Errorf("Redact = %q", got)
	}
	if got := Redact("short", false); got != "***" {
		t.Errorf("Redact short = %q", got)
	}
	if got := Redact("sk-abcdefghijkl", true); got != "sk-abcdefghijkl" {
		t.Errorf("Redact dev = %q", got)
	}
}
