package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML override file at path and decodes it over the default
// constitution, so unspecified fields keep their compiled-in defaults. If the
// file does not exist, the default constitution is written out so operators
// have a starting point to edit, mirroring the teacher's Load/createDefault
// split.
func Load(path string) (Constitution, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, writeDefault(path, cfg)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Constitution{}, err
	}
	return cfg, nil
}

func writeDefault(path string, cfg Constitution) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".constitution-*.toml")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
