// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"testing"
)

func TestHistoryItem_DecodeOutput_Current(t *testing.T) {
	result := &ConversionResult{
		Items:    []ConversionItem{{Source: ".btn", Output: "px-4"}},
		Analysis: "fine",
	}
	serialized, err := result.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	item := HistoryItem{ID: "h1", Output: serialized}
	decoded, err := item.DecodeOutput()
	if err != nil {
		t.Fatalf("DecodeOutput failed: %v", err)
	}
	if len(decoded.Items) != 1 || decoded.Items[0].Output != "px-4" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Items[0].Legacy {
		t.Error("current-schema item flagged legacy")
	}
}

func TestHistoryItem_DecodeOutput_ProviderShape(t *testing.T) {
	// Records from before normalization-at-write stored the raw provider
	// object. These still decode through the normalization path.
	item := HistoryItem{
		ID:     "h2",
		Output: `{"conversions": {".a": "mt-2"}, "analysis": "old"}`,
	}

	decoded, err := item.DecodeOutput()
	if err != nil {
		t.Fatalf("DecodeOutput failed: %v", err)
	}
	if len(decoded.Items) != 1 || decoded.Items[0].Source != ".a" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestHistoryItem_DecodeOutput_Unparseable(t *testing.T) {
	item := HistoryItem{
		ID:       "h3",
		Output:   "totally not json {",
		Analysis: "kept",
	}

	decoded, err := item.DecodeOutput()
	if decoded == nil {
		t.Fatal("DecodeOutput returned nil result for legacy value")
	}

	// Degrades to one synthetic legacy item, never throws out of the
	// load path.
	if len(decoded.Items) != 1 {
		t.Fatalf("Items count = %d, want 1 synthetic item", len(decoded.Items))
	}
	if !decoded.Items[0].Legacy {
		t.Error("synthetic item not flagged legacy")
	}
	if decoded.Items[0].Output != "totally not json {" {
		t.Errorf("synthetic item lost raw value: %q", decoded.Items[0].Output)
	}
	if decoded.Analysis != "kept" {
		t.Errorf("Analysis = %q, want %q", decoded.Analysis, "kept")
	}

	var legacyErr *LegacyFormatError
	if !errors.As(err, &legacyErr) {
		t.Fatalf("error = %v, want LegacyFormatError", err)
	}
	if legacyErr.ItemID != "h3" {
		t.Errorf("ItemID = %q, want h3", legacyErr.ItemID)
	}
}

func TestDefaultSettings(t *testing.T) {
	if DefaultSettings().KeepForever {
		t.Error("KeepForever should default to false")
	}
}
