package config

import "errors"

var (
	ErrConfigNotFound  = errors.New("configuration file not found")
	ErrInvalidFormat   = errors.New("invalid configuration file format")
	ErrMissingRequired = errors.New("missing required configuration item")
	ErrInvalidValue    = errors.New("invalid configuration value")
	ErrStorageConfig   = errors.New("storage configuration error")
	ErrSecurityConfig  = errors.New("security configuration error")
	ErrInvalidCron     = errors.New("invalid cron expression")
)
