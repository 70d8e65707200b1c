package env

import (
	"time"

	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for pigment.
func Process() error {
	if err := envconfig.Process("pigment", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevel(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by pigment.
type Environment struct {
	LogLevel        string        `split_words:"true" default:"info"`
	Port            int           `split_words:"true" default:"8080"`
	DatabaseType    string        `split_words:"true" default:"sqlite"`
	DatabaseDSN     string        `split_words:"true" default:"host=postgres user=postgres password=postgres dbname=pigment port=5432 sslmode=disable"`
	DBPath          string        `split_words:"true" default:"pigment.db"`
	OutputDir       string        `split_words:"true" default:"outputs"`
	InputDir        string        `split_words:"true" default:"inputs"`
	MaxInputBytes   int64         `split_words:"true" default:"20971520"`
	CatalogPath     string        `split_words:"true" default:"catalog.yaml"`
	ProviderTimeout time.Duration `split_words:"true" default:"5m"`
	SlotPolicy      string        `split_words:"true" default:"reject"`
	SlotQueueDepth  int           `split_words:"true" default:"0"`
	MaxOutputs      int           `split_words:"true" default:"8"`
	MaxTotalImages  int           `split_words:"true" default:"16"`
	MinDimension    int           `split_words:"true" default:"64"`
	MaxDimension    int           `split_words:"true" default:"4096"`
	CredentialTTL   time.Duration `split_words:"true" default:"10m"`

	SecretsEnableEnv       bool   `split_words:"true" default:"true"`
	SecretsVaultAddress    string `split_words:"true" default:""`
	SecretsVaultToken      string `split_words:"true" default:""`
	SecretsVaultNamespace  string `split_words:"true" default:""`
	SecretsVaultCACert     string `split_words:"true" default:""`
	SecretsVaultSkipVerify bool   `split_words:"true" default:"false"`
	SecretsKubeEnabled     bool   `split_words:"true" default:"false"`
	SecretsKubeConfig      string `split_words:"true" default:""`
	SecretsKubeNamespace   string `split_words:"true" default:"default"`

	NotifyWebhookURL string        `split_words:"true" default:""`
	NotifyHeaders    Headers       `split_words:"true"`
	NotifyUserAgent  string        `split_words:"true" default:"pigment-notify"`
	SweepSchedule    string        `split_words:"true" default:"@every 5m"`
	RetentionMaxAge  time.Duration `split_words:"true" default:"0s"`

	BaseURL       string        `split_words:"true" default:"http://127.0.0.1:8080"`
	ClientTimeout time.Duration `split_words:"true" default:"10s"`
}
