package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// dotenvPathVar names an optional env var pointing at a dotenv file other than
// ./.env. An explicitly named file that cannot be read is an error.
const dotenvPathVar = "DOTENV_PATH"

// loaderDeps holds the injectable dependencies for the loader.
type loaderDeps struct {
	lookupEnv  func(key string) (string, bool)
	loadDotenv func(filenames ...string) error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv:  os.LookupEnv,
		loadDotenv: godotenv.Load,
	}
}

// LoadConfig loads and validates the relay configuration.
//
//  1. Sets the process timezone to UTC.
//  2. Loads a dotenv file (./.env, non-fatal if missing, or DOTENV_PATH).
//  3. Processes envconfig tags.
//  4. Populates Config.Build from linker-injected variables.
//  5. Validates the struct.
func LoadConfig() (*Config, error) {
	return loadConfigWithDeps(defaultDeps())
}

func loadConfigWithDeps(deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	if path, ok := deps.lookupEnv(dotenvPathVar); ok && path != "" {
		if err := deps.loadDotenv(path); err != nil {
			return nil, &ConfigError{
				Type:    ErrDotenv,
				Message: fmt.Sprintf("failed to load dotenv file %q", path),
				Err:     err,
			}
		}
	} else if err := deps.loadDotenv(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &ConfigError{
			Type:    ErrDotenv,
			Message: "failed to load .env",
			Err:     err,
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}
