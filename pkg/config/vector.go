package config

import (
	"fmt"
	"os"
)

// VectorConfig selects and configures the tool-catalog vector store.
type VectorConfig struct {
	// Provider: "chromem" (embedded), "qdrant", or "pinecone".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=chromem,enum=qdrant,enum=pinecone,default=chromem"`

	// Index is the index/collection name prefix.
	Index string `yaml:"index,omitempty" json:"index,omitempty" jsonschema:"default=concierge-tools"`

	// Dimension of stored vectors.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"default=1536"`

	Pinecone *PineconeConfig `yaml:"pinecone,omitempty" json:"pinecone,omitempty"`
	Qdrant   *QdrantConfig   `yaml:"qdrant,omitempty" json:"qdrant,omitempty"`
	Chromem  *ChromemConfig  `yaml:"chromem,omitempty" json:"chromem,omitempty"`
}

// PineconeConfig configures the Pinecone provider.
type PineconeConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Cloud for serverless index creation.
	Cloud string `yaml:"cloud,omitempty" json:"cloud,omitempty" jsonschema:"default=aws"`

	// Region for serverless index creation.
	Region string `yaml:"region,omitempty" json:"region,omitempty" jsonschema:"default=us-east-1"`
}

// QdrantConfig configures the Qdrant provider.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"default=localhost"`

	// Port is the Qdrant gRPC port.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"default=6334"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// UseTLS enables TLS for the connection.
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// ChromemConfig configures the embedded chromem provider.
type ChromemConfig struct {
	// Path persists the store on disk; empty keeps it in memory.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		switch {
		case c.Pinecone != nil && c.Pinecone.APIKey != "":
			c.Provider = "pinecone"
		case c.Qdrant != nil && c.Qdrant.Host != "":
			c.Provider = "qdrant"
		default:
			c.Provider = "chromem"
		}
	}
	if c.Index == "" {
		c.Index = "concierge-tools"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Pinecone != nil {
		if c.Pinecone.Cloud == "" {
			c.Pinecone.Cloud = "aws"
		}
		if c.Pinecone.Region == "" {
			c.Pinecone.Region = "us-east-1"
		}
	}
	if c.Qdrant != nil {
		if c.Qdrant.Host == "" {
			c.Qdrant.Host = "localhost"
		}
		if c.Qdrant.Port == 0 {
			c.Qdrant.Port = 6334
		}
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case "chromem", "qdrant", "pinecone":
	default:
		return fmt.Errorf("unknown provider %q (valid: chromem, qdrant, pinecone)", c.Provider)
	}
	if c.Provider == "pinecone" && (c.Pinecone == nil || c.Pinecone.APIKey == "") {
		return fmt.Errorf("pinecone.api_key is required for the pinecone provider")
	}
	if c.Provider == "qdrant" && c.Qdrant == nil {
		return fmt.Errorf("qdrant section is required for the qdrant provider")
	}
	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}

func pineconeFromEnv() *PineconeConfig {
	key := os.Getenv("PINECONE_API_KEY")
	if key == "" {
		return nil
	}
	return &PineconeConfig{APIKey: key}
}

func qdrantFromEnv() *QdrantConfig {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		return nil
	}
	return &QdrantConfig{Host: host, APIKey: os.Getenv("QDRANT_API_KEY")}
}
