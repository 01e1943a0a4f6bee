package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/go-playground/validator"
)

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return err
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	cfgToml := string(bs)
	if _, err := toml.Decode(cfgToml, cfg); err != nil {
		return err
	}
	return nil
}

func loadEnv(cfg interface{}) error {
	if err := env.Parse(cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is the function that loads the configuration: defaults first,
// then the file, then the environment variables
func LoadConfig(filePath string, defaultValues string, cfg interface{}) error {
	//Get default configuration
	if err := loadDefault(defaultValues, cfg); err != nil {
		return fmt.Errorf("error loading default configuration: %w", err)
	}
	// Get file configuration
	var errLoadFile error
	if filePath != "" {
		errLoadFile = loadFile(filePath, cfg)
	}
	// Overwrite file configuration with the env configuration
	errLoadEnv := loadEnv(cfg)
	if errLoadFile != nil {
		return fmt.Errorf("error loading configuration file: %w", errLoadFile)
	}
	if errLoadEnv != nil {
		return fmt.Errorf("error loading environment variables: %w", errLoadEnv)
	}
	return nil
}

// LoadNode loads the Node configuration from path and validates it
func LoadNode(path string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg); err != nil {
		return nil, err
	}
	// env only looks at the top level fields of a struct
	for _, section := range []interface{}{
		&cfg.PostgreSQL, &cfg.Fees, &cfg.Fees.Etherscan, &cfg.Coordinator.EthClient.Keystore,
	} {
		if err := loadEnv(section); err != nil {
			return nil, fmt.Errorf("error loading environment variables: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of the configuration and the relations
// between values that can't be expressed with tags
func (cfg *Node) Validate() error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("error validating configuration file: %w", err)
	}
	if cfg.Rollup.VerificationGas > cfg.Rollup.GasLimit {
		return fmt.Errorf("Rollup.VerificationGas (%v) can't exceed Rollup.GasLimit (%v)",
			cfg.Rollup.VerificationGas, cfg.Rollup.GasLimit)
	}
	seen := make(map[string]bool)
	for _, bridge := range cfg.Rollup.Bridges {
		key := bridge.BridgeCallData.Hex()
		if seen[key] {
			return fmt.Errorf("duplicated bridge call %v", key)
		}
		seen[key] = true
	}
	return nil
}
