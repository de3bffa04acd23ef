package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValKeyHostMissing   = errors.New("storage.valkey.host is required for the valkey storage")
	ErrDatabaseNameMissing = errors.New("storage.database.name is required for the postgres storage")
)

// ApplyDefaults fills zero values the loader left unset.
func (c *Config) ApplyDefaults() {
	if c.GRPC.ShutdownTimeout == 0 {
		c.GRPC.ShutdownTimeout = 5 * time.Second
	}
	if c.Client.Mode == "" {
		c.Client.Mode = ModeRedirect
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.ValKey.Prefix == "" {
		c.Storage.ValKey.Prefix = "session-worker"
	}
	if c.Housekeeper.TriggerInterval == 0 {
		c.Housekeeper.TriggerInterval = time.Minute
	}
	if c.Housekeeper.Target == "" {
		c.Housekeeper.Target = c.GRPC.Address
	}
	if c.Migrate.Source == "" {
		c.Migrate.Source = "embedded"
	}
}

// Validate checks struct tags of the worker sections and the rules spanning
// several fields.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	for name, section := range map[string]any{
		"client":      c.Client,
		"storage":     c.Storage,
		"housekeeper": c.Housekeeper,
	} {
		if err := v.Struct(section); err != nil {
			return fmt.Errorf("validating %s: %w", name, err)
		}
	}

	switch c.Storage.Type {
	case StorageValKey:
		if c.Storage.ValKey.Host.Source == "" {
			return ErrValKeyHostMissing
		}
	case StoragePostgres:
		if c.Storage.Database.Name == "" {
			return ErrDatabaseNameMissing
		}
	}

	return nil
}
