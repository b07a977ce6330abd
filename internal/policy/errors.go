package policy

import (
	"errors"
	"fmt"
)

// ErrConfig marks any policy configuration load or validation failure.
var ErrConfig = errors.New("policy config error")

// ConfigError reports why a policy file could not be used.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "policy config: " + e.Msg
	}
	return fmt.Sprintf("policy config %s: %s", e.Path, e.Msg)
}

// Is lets errors.Is(err, ErrConfig) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func configErr(path, format string, args ...interface{}) error {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}
