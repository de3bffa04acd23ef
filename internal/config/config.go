// Package config defines the necessary types to configure the session
// worker. An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	GRPC        GRPCServer  `yaml:"grpc"`
	Client      Client      `yaml:"client"`
	Storage     Storage     `yaml:"storage"`
	Housekeeper Housekeeper `yaml:"housekeeper"`
	Migrate     Migrate     `yaml:"migrate"`
}

type GRPCServer struct {
	commoncfg.GRPCServer `mapstructure:",squash" yaml:",inline"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Mode string

const (
	ModeRedirect Mode = "redirect"
	ModeEmbedded Mode = "embedded"
)

// Client is the host configuration of the authentication client.
type Client struct {
	BaseURL         string              `yaml:"baseUrl" validate:"required,url"`
	ClientID        string              `yaml:"clientId" validate:"required"`
	ClientSecret    commoncfg.SourceRef `yaml:"clientSecret" validate:"-"`
	MTLS            *commoncfg.MTLS     `yaml:"mtls" validate:"-"`
	Scope           []string            `yaml:"scope"`
	AfterSignInURL  string              `yaml:"afterSignInUrl" validate:"required,url"`
	AfterSignOutURL string              `yaml:"afterSignOutUrl" validate:"omitempty,url"`
	Mode            Mode                `yaml:"mode" default:"redirect" validate:"omitempty,oneof=redirect embedded"`

	Endpoints   Endpoints         `yaml:"endpoints"`
	SigningAlgs []string          `yaml:"signingAlgs"`
	AuthParams  map[string]string `yaml:"authParams"`

	// RequestTTL expires unresolved authorization requests; zero keeps them
	// until resolved.
	RequestTTL time.Duration `yaml:"requestTTL" default:"10m" validate:"gte=0"`
	// BindState appends a random binding to the state parameter.
	BindState   bool          `yaml:"bindState"`
	RefreshSkew time.Duration `yaml:"refreshSkew" default:"30s" validate:"gte=0"`
	ClockSkew   time.Duration `yaml:"clockSkew" validate:"gte=0"`
}

type Endpoints struct {
	Discovery     string `yaml:"discovery" validate:"omitempty,url"`
	Issuer        string `yaml:"issuer" validate:"omitempty,url"`
	Authorization string `yaml:"authorization" validate:"omitempty,url"`
	Token         string `yaml:"token" validate:"omitempty,url"`
	JWKS          string `yaml:"jwks" validate:"omitempty,url"`
	EndSession    string `yaml:"endSession" validate:"omitempty,url"`
	Profile       string `yaml:"profile" validate:"omitempty,url"`
}

type StorageType string

const (
	StorageMemory   StorageType = "memory"
	StorageValKey   StorageType = "valkey"
	StoragePostgres StorageType = "postgres"
)

type Storage struct {
	Type StorageType `yaml:"type" default:"memory" validate:"omitempty,oneof=memory valkey postgres"`
	// EntryTTL bounds the lifetime of every entry in backends that support
	// expiry. Zero disables it.
	EntryTTL time.Duration `yaml:"entryTTL" validate:"gte=0"`

	ValKey   ValKey   `yaml:"valkey"`
	Database Database `yaml:"database"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	SSLMode  string              `yaml:"sslMode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Host     commoncfg.SourceRef `yaml:"host" validate:"-"`
	User     commoncfg.SourceRef `yaml:"user" validate:"-"`
	Password commoncfg.SourceRef `yaml:"password" validate:"-"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host" validate:"-"`
	User     commoncfg.SourceRef `yaml:"user" validate:"-"`
	Password commoncfg.SourceRef `yaml:"password" validate:"-"`
	Prefix   string              `yaml:"prefix" default:"session-worker"`
	MTLS     *commoncfg.MTLS     `yaml:"mtls" validate:"-"`
}

type Housekeeper struct {
	// Target is the worker's gRPC address; empty means grpc.address.
	Target string          `yaml:"target"`
	MTLS   *commoncfg.MTLS `yaml:"mtls" validate:"-"`

	TriggerInterval time.Duration `yaml:"triggerInterval" default:"1m" validate:"gte=0"`
	// RefreshBefore refreshes the session when it expires within this window.
	RefreshBefore time.Duration `yaml:"refreshBefore" default:"5m" validate:"gte=0"`
}

type Migrate struct {
	Source string `yaml:"source" default:"embedded"`
}
