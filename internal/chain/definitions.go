package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[uint64]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint plus the token contracts the
// agent trades on that chain.
type Definition struct {
	Name           string            `yaml:"name"`
	RPCURL         string            `yaml:"rpc_url"`
	Tokens         map[string]string `yaml:"tokens"`
	WrappedNative  string            `yaml:"wrapped_native"`
	ConfirmSeconds int               `yaml:"confirm_seconds"`
	Description    string            `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[uint64]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[uint64]Definition{}
	}
	for id, def := range defs.Chains {
		if strings.TrimSpace(def.RPCURL) == "" {
			return Definitions{}, fmt.Errorf("chain %d is missing an RPC endpoint", id)
		}
		if def.WrappedNative != "" {
			if _, ok := def.Tokens[def.WrappedNative]; !ok {
				return Definitions{}, fmt.Errorf("chain %d declares wrapped native %s without a token address", id, def.WrappedNative)
			}
		}
	}
	return defs, nil
}
