package tunnel

import (
	"context"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
	"gopkg.in/yaml.v3"

	"github.com/yllada/nebula-manager/common"
)

// X25519PrivateKeyBanner is the PEM block type of a Nebula private key.
const X25519PrivateKeyBanner = "NEBULA X25519 PRIVATE KEY"

// CheckConfig statically validates a configuration document and private
// key and returns the public key derived from it.
func CheckConfig(config, privateKey string) ([]byte, error) {
	doc, err := parseDocument([]byte(config))
	if err != nil {
		return nil, err
	}

	pki := asMap(doc["pki"])
	if pki == nil {
		return nil, fmt.Errorf("%w: missing pki section", common.ErrInvalidConfig)
	}
	for _, field := range []string{"ca", "cert"} {
		v, _ := pki[field].(string)
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: missing pki.%s", common.ErrInvalidConfig, field)
		}
	}

	return PublicKey(privateKey)
}

// PublicKey decodes a PEM private key and derives its public key.
func PublicKey(privateKey string) ([]byte, error) {
	block, rest := pem.Decode([]byte(privateKey))
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", common.ErrInvalidConfig)
	}
	if strings.TrimSpace(string(rest)) != "" {
		return nil, fmt.Errorf("%w: trailing data after private key", common.ErrInvalidConfig)
	}
	if block.Type != X25519PrivateKeyBanner {
		return nil, fmt.Errorf("%w: unexpected key type %q", common.ErrInvalidConfig, block.Type)
	}
	if len(block.Bytes) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d",
			common.ErrInvalidConfig, curve25519.ScalarSize, len(block.Bytes))
	}
	pub, err := curve25519.X25519(block.Bytes, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	return pub, nil
}

// Checker validates persisted files, statically and then with the engine
// when one is configured. It implements common.ConfigChecker.
type Checker struct {
	engine Engine
}

// NewChecker returns a checker. engine may be nil.
func NewChecker(engine Engine) *Checker {
	return &Checker{engine: engine}
}

// CheckFiles implements common.ConfigChecker.
func (c *Checker) CheckFiles(ctx context.Context, configPath, keyPath string) error {
	config, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if _, err := CheckConfig(string(config), string(key)); err != nil {
		return err
	}
	if c.engine == nil {
		return nil
	}
	return c.engine.Test(ctx, Files{ConfigPath: configPath, KeyPath: keyPath})
}

func parseDocument(raw []byte) (map[string]interface{}, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: configuration must be a YAML mapping", common.ErrInvalidConfig)
	}
	var doc map[string]interface{}
	if err := node.Content[0].Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	return doc, nil
}

func asMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out
	}
	return nil
}

func asStrings(v interface{}) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}
