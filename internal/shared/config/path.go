package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	configPathEnv   = "CHAINREPORT_CONFIG_PATH"
	configFileName  = "chainreport.yaml"
	userConfigDir   = ".chainreport"
	workdirFallback = "configs"
)

// Labels returned by ResolveConfigPath.
const (
	PathSourceEnv     = "env"
	PathSourceHome    = "home"
	PathSourceWorkdir = "workdir"
)

// ResolveConfigPath picks the YAML file Load reads when no --config flag is
// given: CHAINREPORT_CONFIG_PATH, then ~/.chainreport/chainreport.yaml, then
// configs/chainreport.yaml under the working directory. A missing file at
// the chosen path is not an error for Load.
func ResolveConfigPath(envLookup EnvLookup, homeDir func() (string, error)) (string, string) {
	if envLookup == nil {
		envLookup = DefaultEnvLookup
	}
	if value, ok := envLookup(configPathEnv); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), PathSourceEnv
	}

	if homeDir == nil {
		homeDir = os.UserHomeDir
	}
	if home, err := homeDir(); err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(strings.TrimSpace(home), userConfigDir, configFileName), PathSourceHome
	}
	return filepath.Join(workdirFallback, configFileName), PathSourceWorkdir
}
