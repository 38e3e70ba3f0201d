package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// TypeKey is the properties key naming the provider that owns them.
const TypeKey = "%type"

// Properties is the provider-specific configuration of a backup target.
// The core treats it as opaque.
type Properties map[string]any

// Target is what a provider sees of a job when initializing it.
type Target struct {
	Name       string
	Dataset    string
	Properties Properties
}

// File is a remote object.
type File struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Provider defines the capability contract of a remote backend.
// Object names are plain strings; each backend decides how they map to its
// own storage layout.
type Provider interface {
	// Name returns the provider identifier (e.g. "s3", "azure").
	Name() string

	// Init validates a new target and returns the properties to persist.
	Init(ctx context.Context, t Target) (Properties, error)

	// List returns the objects stored at the target location.
	List(ctx context.Context, props Properties) ([]File, error)

	// Get streams the object called name into w.
	Get(ctx context.Context, props Properties, name string, w io.Writer) error

	// Put stores everything read from r as the object called name.
	Put(ctx context.Context, props Properties, name string, r io.Reader) error
}

// Decode converts props into a provider's typed settings.
func Decode(props Properties, dst any) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode properties: %w", err)
	}
	return nil
}

// Encode converts typed settings back into properties tagged with typ.
func Encode(typ string, src any) (Properties, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	props := Properties{}
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	props[TypeKey] = typ
	return props, nil
}
