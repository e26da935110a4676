// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// HISTORY ITEM
// =============================================================================

// ConversionKind tags the conversion domain a history item belongs to.
type ConversionKind string

// KindCSSToTailwind is the built-in conversion domain.
const KindCSSToTailwind ConversionKind = "css-to-tailwind"

// HistoryItem is one persisted conversion. Items are immutable once
// written: they are created on successful conversion and destroyed only
// by explicit delete or the retention sweep.
type HistoryItem struct {
	// ID is assigned by the store. The store is the sole writer of this
	// field; the client owns every other field at creation time.
	ID string `json:"id"`

	// Kind tags which conversion domain produced the item.
	Kind ConversionKind `json:"kind"`

	// InputText is the raw CSS the user submitted.
	InputText string `json:"input_text"`

	// Output is the serialized ConversionResult. Stored serialized, not
	// as typed columns, so records written under older result schemas
	// survive and degrade gracefully at read time.
	Output string `json:"output"`

	// Analysis is the provider's free-text commentary.
	Analysis string `json:"analysis,omitempty"`

	// Preview is a truncated first line of the input, for list views.
	Preview string `json:"preview,omitempty"`

	// Timestamp is epoch milliseconds, supplied by the caller at append
	// time so the persisted time matches what the UI displayed.
	Timestamp int64 `json:"timestamp"`
}

// =============================================================================
// LEGACY-TOLERANT DECODE
// =============================================================================

// LegacyFormatError reports a stored output that no longer parses under
// the current result schema. The history load path never propagates it;
// it degrades to a synthetic item instead.
type LegacyFormatError struct {
	ItemID string
	Err    error
}

// Error implements the error interface.
func (e *LegacyFormatError) Error() string {
	return fmt.Sprintf("history item %s has unparseable legacy output: %v", e.ItemID, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *LegacyFormatError) Unwrap() error { return e.Err }

// DecodeOutput parses the item's serialized output into a typed
// ConversionResult. A record written under an older schema that fails
// to parse yields a single synthetic legacy item carrying the raw
// stored value, plus a LegacyFormatError for diagnostics. The result is
// always usable; one bad record must never abort a history render.
func (h *HistoryItem) DecodeOutput() (*ConversionResult, error) {
	var result ConversionResult
	if err := json.Unmarshal([]byte(h.Output), &result); err == nil && result.Items != nil {
		return &result, nil
	}

	// Older records stored the provider object directly rather than the
	// normalized form; try the normalization path before degrading.
	if json.Valid([]byte(h.Output)) {
		normalized, err := NormalizeResult(json.RawMessage(h.Output))
		if err == nil {
			return normalized, nil
		}
	}

	return &ConversionResult{
		Items: []ConversionItem{{
			Output: h.Output,
			Legacy: true,
		}},
		Analysis: h.Analysis,
	}, &LegacyFormatError{ItemID: h.ID, Err: fmt.Errorf("not valid result JSON")}
}

// =============================================================================
// USER SETTINGS
// =============================================================================

// UserSettings holds per-user preferences. One instance per user,
// created lazily on first read.
type UserSettings struct {
	// KeepForever disables the 30-day retention sweep for this user.
	KeepForever bool `json:"keep_forever"`
}

// DefaultSettings returns the settings applied when a user has no
// stored settings document.
func DefaultSettings() UserSettings {
	return UserSettings{KeepForever: false}
}
