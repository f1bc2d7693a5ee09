// Package brand holds the product identity and the default filesystem
// locations derived from it.
//
// The identity is loaded from brand.json at compile time via go:embed so
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Repository       string `json:"repository"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	SocketName       string `json:"socketName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	StatsDirName     string `json:"statsDirName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Vendor = b.Vendor
	Repository = b.Repository
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultRunDir = b.DefaultRunDir
	SocketName = b.SocketName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	StatsDirName = b.StatsDirName
}

var (
	Name             string
	LowerName        string
	Vendor           string
	Repository       string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultRunDir    string
	SocketName       string
	BinaryName       string
	ConfigFileName   string
	StatsDirName     string

	// Set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP probes.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// envDir resolves a directory: NETCONN_<KEY>_DIR, then NETCONN_PREFIX/<sub>, then def.
func envDir(key, sub, def string) string {
	if dir := os.Getenv(ConfigEnvPrefix + "_" + key + "_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// GetStateDir returns the state directory.
func GetStateDir() string { return envDir("STATE", "state", DefaultStateDir) }

// GetConfigDir returns the config directory.
func GetConfigDir() string { return envDir("CONFIG", "config", DefaultConfigDir) }

// GetRunDir returns the runtime directory for sockets and PID files.
func GetRunDir() string { return envDir("RUN", "run", DefaultRunDir) }

// GetSocketPath returns the netd control socket, e.g. /var/run/netconn-netd.sock.
func GetSocketPath() string {
	return filepath.Join(GetRunDir(), LowerName+"-"+SocketName)
}

// GetManagerSocketPath returns the connection manager query socket.
func GetManagerSocketPath() string {
	return filepath.Join(GetRunDir(), LowerName+"-manager.sock")
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// GetStatsDir returns the directory holding the traffic CSV files.
func GetStatsDir() string {
	return filepath.Join(GetStateDir(), StatsDirName)
}
