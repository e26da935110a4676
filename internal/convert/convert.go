// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package convert binds conversion task configurations to the Gemini
// gateway and normalizes replies into typed results.
//
// A TaskConfig is an immutable, process-wide constant per conversion
// domain: the system instruction that defines the prompt contract and
// the model that executes it. CSS to Tailwind is the built-in domain;
// the registry exists so further domains can be added without touching
// the gateway or the store.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/css2wind/internal/model"
)

// ErrUnknownKind indicates a conversion kind with no registered task.
var ErrUnknownKind = errors.New("unknown conversion kind")

// =============================================================================
// TASK CONFIGURATION
// =============================================================================

// TaskConfig describes one conversion domain.
type TaskConfig struct {
	// Kind tags history items produced by this task.
	Kind model.ConversionKind

	// SystemInstruction is sent on the provider's instruction channel,
	// never concatenated into user content.
	SystemInstruction string

	// ModelID names the Gemini model for this task. Empty uses the
	// gateway default.
	ModelID string
}

// cssToTailwindInstruction is the prompt contract for the built-in
// domain. The reply schema it requests matches what NormalizeResult
// expects as its primary shape.
const cssToTailwindInstruction = `You are an expert in CSS and Tailwind CSS. Convert the CSS the user provides into equivalent Tailwind utility classes.

Respond with JSON only, using this schema:
{
  "conversions": [{"selector": "<css selector>", "tailwind": "<utility classes>"}],
  "analysis": "<short notes on anything that has no exact Tailwind equivalent>"
}

Do not wrap the JSON in markdown fences. Do not include any text outside the JSON object.`

// CSSToTailwind returns the built-in task configuration.
func CSSToTailwind() TaskConfig {
	return TaskConfig{
		Kind:              model.KindCSSToTailwind,
		SystemInstruction: cssToTailwindInstruction,
		ModelID:           "", // gateway default
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps conversion kinds to their task configurations.
// Populated once at startup; read-only afterwards.
type Registry struct {
	tasks map[model.ConversionKind]TaskConfig
}

// NewRegistry creates a registry containing the built-in tasks.
func NewRegistry() *Registry {
	r := &Registry{tasks: make(map[model.ConversionKind]TaskConfig)}
	r.register(CSSToTailwind())
	return r
}

func (r *Registry) register(cfg TaskConfig) {
	r.tasks[cfg.Kind] = cfg
}

// Lookup returns the task configuration for a conversion kind.
func (r *Registry) Lookup(kind model.ConversionKind) (TaskConfig, bool) {
	cfg, ok := r.tasks[kind]
	return cfg, ok
}

// =============================================================================
// CONVERTER
// =============================================================================

// Generator is the slice of the gateway client the converter needs.
type Generator interface {
	GenerateJSON(ctx context.Context, modelID, systemInstruction, input string) (json.RawMessage, error)
}

// Converter runs conversion requests against the gateway. It is
// stateless between calls and never touches history; persistence is
// the caller's concern.
type Converter struct {
	gateway  Generator
	registry *Registry
}

// NewConverter creates a converter backed by the given gateway.
func NewConverter(gateway Generator) *Converter {
	return &Converter{
		gateway:  gateway,
		registry: NewRegistry(),
	}
}

// Convert sends inputText through the task's prompt contract and
// returns the normalized result. Gateway errors pass through untouched
// so callers can classify them (empty input, configuration, provider,
// malformed response).
func (c *Converter) Convert(ctx context.Context, kind model.ConversionKind, inputText string) (*model.ConversionResult, error) {
	cfg, ok := c.registry.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}

	raw, err := c.gateway.GenerateJSON(ctx, cfg.ModelID, cfg.SystemInstruction, inputText)
	if err != nil {
		return nil, err
	}

	result, err := model.NormalizeResult(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize provider reply: %w", err)
	}
	return result, nil
}
