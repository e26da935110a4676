// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package convert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jeranaias/css2wind/internal/model"
)

// fakeGateway records calls and returns a canned reply.
type fakeGateway struct {
	calls   int
	lastSys string
	reply   json.RawMessage
	err     error
}

func (f *fakeGateway) GenerateJSON(ctx context.Context, modelID, systemInstruction, input string) (json.RawMessage, error) {
	f.calls++
	f.lastSys = systemInstruction
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func TestConverter_Convert(t *testing.T) {
	gw := &fakeGateway{reply: json.RawMessage(`{"conversions": [{"selector": ".btn", "tailwind": "px-4"}], "analysis": "ok"}`)}
	conv := NewConverter(gw)

	result, err := conv.Convert(context.Background(), model.KindCSSToTailwind, ".btn { padding: 1rem; }")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if gw.calls != 1 {
		t.Errorf("gateway calls = %d, want exactly 1", gw.calls)
	}
	if gw.lastSys == "" {
		t.Error("system instruction not forwarded to gateway")
	}
	if len(result.Items) != 1 || result.Items[0].Output != "px-4" {
		t.Errorf("result = %+v", result)
	}
	if result.Analysis != "ok" {
		t.Errorf("Analysis = %q", result.Analysis)
	}
}

func TestConverter_UnknownKind(t *testing.T) {
	gw := &fakeGateway{}
	conv := NewConverter(gw)

	_, err := conv.Convert(context.Background(), model.ConversionKind("sass-to-less"), "x")
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
	if gw.calls != 0 {
		t.Errorf("gateway calls = %d, want 0 for unknown kind", gw.calls)
	}
}

func TestConverter_GatewayErrorPassesThrough(t *testing.T) {
	sentinel := errors.New("provider down")
	gw := &fakeGateway{err: sentinel}
	conv := NewConverter(gw)

	_, err := conv.Convert(context.Background(), model.KindCSSToTailwind, "x")
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()

	cfg, ok := r.Lookup(model.KindCSSToTailwind)
	if !ok {
		t.Fatal("built-in task missing from registry")
	}
	if cfg.SystemInstruction == "" {
		t.Error("built-in task has empty system instruction")
	}

	if _, ok := r.Lookup(model.ConversionKind("nope")); ok {
		t.Error("Lookup returned ok for unregistered kind")
	}
}
