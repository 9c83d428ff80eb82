// Package provider abstracts where configuration bytes come from.
package provider

import (
	"context"
	"fmt"
)

// Type identifies a provider implementation.
type Type string

const (
	// TypeFile reads configuration from a local file.
	TypeFile Type = "file"
)

// Provider loads raw configuration bytes and optionally watches them for
// changes. Watch may return a nil channel when the provider does not
// support change notification.
type Provider interface {
	Type() Type
	Load(ctx context.Context) ([]byte, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// ProviderConfig selects and parameterizes a provider.
type ProviderConfig struct {
	Type Type   `yaml:"type"`
	Path string `yaml:"path"`
}

// New creates a provider from its config.
func New(cfg ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case TypeFile, "":
		return NewFileProvider(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown config provider type %q", cfg.Type)
	}
}
