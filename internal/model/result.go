// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// CONVERSION RESULT TYPES
// =============================================================================

// ConversionItem is one mapping from a source construct (usually a CSS
// selector) to its converted equivalent (a Tailwind utility-class
// string), plus any extra keys the provider attached.
type ConversionItem struct {
	// Source identifies the input construct (selector, property block).
	// Empty for single-string replies that carry no selector.
	Source string `json:"source,omitempty"`

	// Output is the produced construct (utility-class string).
	Output string `json:"output"`

	// Metadata carries provider-defined keys that are neither source nor
	// output. The item schema is an open mapping, not a closed record.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Legacy marks a synthetic item produced from a stored value that no
	// longer parses under the current schema.
	Legacy bool `json:"legacy,omitempty"`
}

// ConversionResult is the normalized reply for one conversion request.
type ConversionResult struct {
	Items    []ConversionItem `json:"items"`
	Analysis string           `json:"analysis,omitempty"`
}

// Serialize encodes the result to the canonical JSON form stored in
// history. Stored history keeps the serialized form rather than typed
// columns so records written under older schemas survive verbatim.
func (r *ConversionResult) Serialize() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to serialize conversion result: %w", err)
	}
	return string(data), nil
}

// =============================================================================
// SOURCE / OUTPUT KEY DETECTION
// =============================================================================

// Key names the prompt contract has used for the source construct and
// the produced construct, across schema revisions. Checked in order.
var (
	sourceKeys = []string{"selector", "source", "css", "from"}
	outputKeys = []string{"tailwind", "tailwindClasses", "output", "classes", "utilities", "to"}
)

// itemKeys are the top-level keys under which providers have nested the
// per-item payload.
var itemKeys = []string{"items", "conversions", "results"}

// analysisKeys are the top-level keys used for the free-text analysis.
var analysisKeys = []string{"analysis", "explanation", "notes"}

// =============================================================================
// NORMALIZATION
// =============================================================================

// NormalizeResult converts a raw provider JSON object into a typed
// ConversionResult. It handles every observed reply shape:
//
//  1. single combined class string: {"tailwindClasses": "...", "analysis": "..."}
//  2. object keyed by selector:     {"conversions": {".btn": "px-4"}, ...}
//  3. array of pairs:               {"conversions": [{"selector": ".btn", "tailwind": "px-4"}], ...}
//
// Anything else degrades to an open-map scan of the top-level object so
// a future producer variant yields items instead of an error. The input
// must be a JSON object; anything else is rejected.
func NormalizeResult(raw json.RawMessage) (*ConversionResult, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("provider payload is not a JSON object: %w", err)
	}

	result := &ConversionResult{}

	// Analysis channel
	for _, key := range analysisKeys {
		if v, ok := top[key]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				result.Analysis = s
				break
			}
		}
	}

	// Item channel: first matching items key wins.
	for _, key := range itemKeys {
		v, ok := top[key]
		if !ok {
			continue
		}
		items, ok := normalizeItems(v)
		if ok {
			result.Items = items
			return result, nil
		}
	}

	// Shape 1 and open-map fallback: scan remaining top-level keys.
	result.Items = itemsFromOpenMap(top)
	return result, nil
}

// normalizeItems decodes the payload found under an items key. Returns
// false when the payload shape is unusable, letting the caller fall
// through to the open-map scan.
func normalizeItems(raw json.RawMessage) ([]ConversionItem, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, false
	}

	switch trimmed[0] {
	case '[':
		// Shape 3: array of open-map pairs.
		var entries []map[string]any
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, false
		}
		items := make([]ConversionItem, 0, len(entries))
		for _, entry := range entries {
			items = append(items, itemFromEntry(entry))
		}
		return items, true

	case '{':
		// Shape 2: object keyed by selector.
		var mapped map[string]string
		if err := json.Unmarshal(raw, &mapped); err != nil {
			return nil, false
		}
		items := make([]ConversionItem, 0, len(mapped))
		for selector, output := range mapped {
			items = append(items, ConversionItem{Source: selector, Output: output})
		}
		// Map iteration order is random; keep output deterministic.
		sort.Slice(items, func(i, j int) bool { return items[i].Source < items[j].Source })
		return items, true

	case '"':
		// Shape 1 nested under an items key.
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		return []ConversionItem{{Output: s}}, true
	}

	return nil, false
}

// itemFromEntry builds a ConversionItem from one open-map array entry.
// The first recognized source key and output key are consumed; every
// other string-valued key lands in Metadata.
func itemFromEntry(entry map[string]any) ConversionItem {
	item := ConversionItem{}

	for _, key := range sourceKeys {
		if v, ok := entry[key].(string); ok {
			item.Source = v
			delete(entry, key)
			break
		}
	}
	for _, key := range outputKeys {
		if v, ok := entry[key].(string); ok {
			item.Output = v
			delete(entry, key)
			break
		}
	}

	for key, v := range entry {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if item.Metadata == nil {
			item.Metadata = make(map[string]string)
		}
		item.Metadata[key] = s
	}

	return item
}

// itemsFromOpenMap handles shape 1 and unknown future shapes: any
// recognized output key at top level becomes a single item, otherwise
// every top-level string field that is not analysis becomes one.
func itemsFromOpenMap(top map[string]json.RawMessage) []ConversionItem {
	for _, key := range outputKeys {
		if v, ok := top[key]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				return []ConversionItem{{Output: s}}
			}
		}
	}

	// Unknown producer: collect string fields so the reply is still
	// visible to the user rather than silently empty.
	keys := make([]string, 0, len(top))
	for key := range top {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var items []ConversionItem
	for _, key := range keys {
		if isAnalysisKey(key) {
			continue
		}
		var s string
		if err := json.Unmarshal(top[key], &s); err == nil && s != "" {
			items = append(items, ConversionItem{Source: key, Output: s})
		}
	}
	return items
}

func isAnalysisKey(key string) bool {
	for _, k := range analysisKeys {
		if key == k {
			return true
		}
	}
	return false
}
