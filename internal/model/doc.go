// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model defines the css2wind domain types: conversion results as
// returned by the completion provider, per-user history items, and user
// settings.
//
// Conversion results do not have a single fixed schema. The prompt
// contract has drifted over time and three reply shapes are in the wild:
// a single combined utility-class string, an object keyed by selector,
// and an array of selector/output pairs. Normalization into the typed
// ConversionResult happens at read time so that every producer variant,
// past and future, renders through one code path.
package model
