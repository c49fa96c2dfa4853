package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/JS2IIU-MH/haru-pan/internal/postprocess"
	"github.com/JS2IIU-MH/haru-pan/internal/preprocess"
)

// Metadata is the optional JSON sidecar shipped next to a model asset
// (model.onnx -> model.json).
type Metadata struct {
	InputNames  []string `json:"input_names,omitempty"`
	OutputNames []string `json:"output_names,omitempty"`
	ImageSize   int      `json:"image_size,omitempty"`
	Classes     []string `json:"classes,omitempty"`
}

// Runner executes a loaded model on one input tensor.
type Runner interface {
	Run(input *preprocess.Tensor) (postprocess.Value, error)
	Close() error
}

// Engine opens model files into Runners.
type Engine interface {
	Open(modelPath string, meta *Metadata) (Runner, error)
}

var (
	ErrNoSession     = errors.New("no model loaded")
	ErrSessionClosed = errors.New("session closed")
)

// LoadError reports a model asset that could not be materialized or opened.
type LoadError struct {
	Asset string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model %q: %v", e.Asset, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RuntimeError reports a failed forward pass.
type RuntimeError struct {
	Asset string
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("inference failed for %q: %v", e.Asset, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func metadataName(assetID string) string {
	return strings.TrimSuffix(assetID, path.Ext(assetID)) + ".json"
}

// readMetadata returns nil without error when the asset has no sidecar.
func readMetadata(assets fs.FS, assetID string) (*Metadata, error) {
	raw, err := fs.ReadFile(assets, metadataName(assetID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}
