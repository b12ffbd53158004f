package ai

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"openai", ProviderOpenAI, false},
		{"OpenAI", ProviderOpenAI, false},
		{"vertexai", ProviderVertexAI, false},
		{"google", ProviderVertexAI, false},
		{"local", ProviderLocal, false},
		{"stub", ProviderLocal, false},
		{"", ProviderLocal, false},
		{"anthropic", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProvider(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		config   *ClientConfig
		wantType string
		wantDim  int
		wantErr  bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:     "openai defaults",
			config:   &ClientConfig{Provider: ProviderOpenAI, APIKey: "k"},
			wantType: "openai",
			wantDim:  1536,
		},
		{
			name:     "openai large",
			config:   &ClientConfig{Provider: ProviderOpenAI, EmbedModel: "text-embedding-3-large"},
			wantType: "openai",
			wantDim:  3072,
		},
		{
			name:     "local default dim",
			config:   &ClientConfig{Provider: ProviderLocal},
			wantType: "local",
			wantDim:  DefaultLocalDim,
		},
		{
			name:     "local custom dim",
			config:   &ClientConfig{Provider: ProviderLocal, Dim: 64},
			wantType: "local",
			wantDim:  64,
		},
		{
			name:    "unknown provider",
			config:  &ClientConfig{Provider: "bogus"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(context.Background(), tt.config)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}
			switch tt.wantType {
			case "openai":
				if _, ok := c.(*OpenAIClient); !ok {
					t.Errorf("Expected *OpenAIClient, got %T", c)
				}
			case "local":
				if _, ok := c.(*LocalClient); !ok {
					t.Errorf("Expected *LocalClient, got %T", c)
				}
			}
			if c.Dim() != tt.wantDim {
				t.Errorf("Expected dim %d, got %d", tt.wantDim, c.Dim())
			}
		})
	}
}

func TestApplyVertexDefaults(t *testing.T) {
	cfg := &ClientConfig{}
	applyVertexDefaults(cfg)
	if cfg.EmbedModel != "text-embedding-005" || cfg.Dim != 768 || cfg.Location != "us-central1" {
		t.Errorf("Unexpected defaults %+v", cfg)
	}

	cfg = &ClientConfig{APIKey: "key", Dim: 256}
	applyVertexDefaults(cfg)
	if cfg.Location != "" {
		t.Errorf("Expected no default location with an API key, got %q", cfg.Location)
	}
	if cfg.Dim != 256 {
		t.Errorf("Expected explicit dim kept, got %d", cfg.Dim)
	}
}
