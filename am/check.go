package am

import (
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/gustavoali/ytrag/errors"
)

// CheckUnknownKeys decodes a config file strictly and returns keys that do
// not map onto Config. Viper silently ignores such keys, so typos like
// "resilience.max_attempt" would otherwise go unnoticed.
func CheckUnknownKeys(configPath string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(configPath, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", configPath)
	}

	var unknown []string
	for _, key := range md.Undecoded() {
		unknown = append(unknown, key.String())
	}
	sort.Strings(unknown)
	return unknown, nil
}
