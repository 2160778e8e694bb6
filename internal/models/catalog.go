// Package models manages embedding models: a curated catalog, an LRU-bounded
// registry of loaded instances, and priority-aware inference routing.
package models

import (
	"fmt"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// Type distinguishes GPU-accelerated models from CPU-only ones.
type Type string

const (
	TypeAccelerated Type = "accelerated"
	TypeCPU         Type = "cpu"
)

// CatalogEntry describes one curated embedding model.
type CatalogEntry struct {
	// ID is the model identifier users configure (huggingface-style).
	ID string `json:"id"`

	// Backend selects the inference backend ("ollama" or "mock").
	Backend string `json:"backend"`

	Type      Type  `json:"type"`
	Dimension int   `json:"dimension"`
	EstMemory int64 `json:"estimatedMemoryBytes"`
}

// AutoModelID resolves to the best catalog entry for the detected device.
const AutoModelID = "auto"

// catalog is the curated model registry. Order matters: the first CPU entry
// is the default, mirroring the original registry's "first supported model"
// rule.
var catalog = []CatalogEntry{
	{ID: "embeddinggemma", Backend: "ollama", Type: TypeCPU, Dimension: 768, EstMemory: 650 << 20},
	{ID: "nomic-embed-text", Backend: "ollama", Type: TypeCPU, Dimension: 768, EstMemory: 550 << 20},
	{ID: "all-minilm", Backend: "ollama", Type: TypeCPU, Dimension: 384, EstMemory: 120 << 20},
	{ID: "bge-m3", Backend: "ollama", Type: TypeAccelerated, Dimension: 1024, EstMemory: 2300 << 20},
	{ID: "mxbai-embed-large", Backend: "ollama", Type: TypeAccelerated, Dimension: 1024, EstMemory: 1200 << 20},
	{ID: "mock-small", Backend: "mock", Type: TypeCPU, Dimension: 8, EstMemory: 1 << 10},
}

// Lookup resolves a model id against the curated catalog. An unknown id is a
// fatal configuration error surfaced to the caller.
func Lookup(id string) (CatalogEntry, error) {
	if id == AutoModelID {
		return resolveAuto(DetectDevice()), nil
	}
	for _, entry := range catalog {
		if entry.ID == id {
			return entry, nil
		}
	}
	return CatalogEntry{}, semerrors.Config("model",
		fmt.Errorf("unknown model %q (supported: %v)", id, SupportedModels())).
		WithRemediation(fmt.Sprintf("configure one of the curated models, e.g. %q", DefaultModelID()))
}

// SupportedModels lists all curated model ids.
func SupportedModels() []string {
	ids := make([]string, len(catalog))
	for i, entry := range catalog {
		ids[i] = entry.ID
	}
	return ids
}

// DefaultModelID returns the first CPU model of the catalog.
func DefaultModelID() string {
	for _, entry := range catalog {
		if entry.Type == TypeCPU {
			return entry.ID
		}
	}
	return catalog[0].ID
}

// resolveAuto picks an accelerated model when the device supports it,
// otherwise the default CPU model.
func resolveAuto(device Device) CatalogEntry {
	if device != DeviceCPU {
		for _, entry := range catalog {
			if entry.Type == TypeAccelerated {
				return entry
			}
		}
	}
	entry, _ := Lookup(DefaultModelID())
	return entry
}
