package pkgdl

import (
	"errors"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for the Downloader.
type Config struct {
	// Folder where package files are saved.
	PackageDir string `yaml:"package-dir" validate:"required"`
	// Folder where license (RAP) files are saved.
	LicenseDir string `yaml:"license-dir" validate:"required"`
	// Folder where resume records are saved when ResumeBackend is "file".
	TempDir string `yaml:"temp-dir" validate:"required"`
	// Where to keep resume records: "file" or "bolt".
	ResumeBackend string `yaml:"resume-backend" validate:"oneof=file bolt"`
	// Database file of the "bolt" resume backend.
	Database string `yaml:"database" validate:"required_if=ResumeBackend bolt"`
	// Max number of bytes read from the connection at once.
	ChunkSize int `yaml:"chunk-size" validate:"gt=0"`
	// Minimum time between progress updates.
	UpdateInterval time.Duration `yaml:"update-interval" validate:"gt=0"`
	// Download speed limit in KiB/s. Zero means unlimited.
	SpeedLimit int64 `yaml:"speed-limit" validate:"min=0"`
	// Resume record is saved after this many bytes. Zero saves only when the download is interrupted.
	CheckpointInterval int64 `yaml:"checkpoint-interval" validate:"min=0"`
	// Options of the HTTP transport.
	HTTP struct {
		// Time to wait for TCP and TLS connection to open.
		ConnectTimeout time.Duration `yaml:"connect-timeout" validate:"min=0"`
		// Time to wait for response headers after the request is sent.
		ResponseHeaderTimeout time.Duration `yaml:"response-header-timeout" validate:"min=0"`
		UserAgent             string        `yaml:"user-agent"`
	} `yaml:"http"`
	// Used by the command line client to retry downloads failed with network errors.
	Retry struct {
		MaxElapsedTime time.Duration `yaml:"max-elapsed-time" validate:"min=0"`
		// Zero means no limit.
		MaxAttempts int `yaml:"max-attempts" validate:"min=0"`
	} `yaml:"retry"`
}

// DefaultConfig for the Downloader.
var DefaultConfig = Config{
	PackageDir:     "~/pkgdl/pkg",
	LicenseDir:     "~/pkgdl/rap",
	TempDir:        "~/pkgdl/tmp",
	ResumeBackend:  "file",
	Database:       "~/pkgdl/resume.db",
	ChunkSize:      64 * 1024,
	UpdateInterval: 500 * time.Millisecond,
}

func init() {
	DefaultConfig.HTTP.ConnectTimeout = 10 * time.Second
	DefaultConfig.HTTP.ResponseHeaderTimeout = 30 * time.Second
	DefaultConfig.HTTP.UserAgent = "pkgdl/1.0"
	DefaultConfig.Retry.MaxElapsedTime = 10 * time.Minute
}

var validate = validator.New()

// LoadConfig reads the YAML file at filename on top of DefaultConfig.
// DefaultConfig is returned if the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename) // nolint: gosec
	if errors.Is(err, os.ErrNotExist) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values of config fields.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// expandPaths replaces "~" in folder paths with the home directory of the user.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.PackageDir, &c.LicenseDir, &c.TempDir, &c.Database} {
		var err error
		*p, err = homedir.Expand(*p)
		if err != nil {
			return err
		}
	}
	return nil
}
