package azurestorage

import (
	"fmt"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	// DevelopmentAccountName is the fixed account of the local storage emulator.
	DevelopmentAccountName = "devstoreaccount1"

	// DevelopmentAccountKey is the well known shared key of the local storage emulator.
	DevelopmentAccountKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

	// ConnectionStringEnvKey is read by ConfigurationFromEnv.
	ConnectionStringEnvKey = "AZURE_STORAGE_CONNECTION_STRING"

	developmentBlobEndpoint  = "http://127.0.0.1:10000/" + DevelopmentAccountName
	developmentQueueEndpoint = "http://127.0.0.1:10001/" + DevelopmentAccountName
)

// Secret is a string that is never printed.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// GoString implements fmt.GoStringer.
func (s Secret) GoString() string {
	return s.String()
}

// Configuration describes a storage account and its service endpoints.
type Configuration struct {
	AccountName   string
	SharedKey     Secret
	UseHTTPS      bool
	BlobEndpoint  string
	QueueEndpoint string
	TableEndpoint string
}

// ConfigurationError is returned for a connection string or key that cannot be used.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %s: %s", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// DevelopmentConfiguration returns the settings of the local storage emulator.
func DevelopmentConfiguration() Configuration {
	return Configuration{
		AccountName:   DevelopmentAccountName,
		SharedKey:     DevelopmentAccountKey,
		UseHTTPS:      false,
		BlobEndpoint:  developmentBlobEndpoint,
		QueueEndpoint: developmentQueueEndpoint,
		TableEndpoint: developmentQueueEndpoint,
	}
}

// NewConfiguration derives the service endpoints of accountName from the
// endpoint suffix, for example core.windows.net.
func NewConfiguration(accountName, sharedKey, endpointSuffix string, useHTTPS bool) Configuration {
	scheme := "http"
	if useHTTPS {
		scheme = "https"
	}
	endpoint := func(service string) string {
		return fmt.Sprintf("%s://%s.%s.%s", scheme, accountName, service, endpointSuffix)
	}

	return Configuration{
		AccountName:   accountName,
		SharedKey:     Secret(sharedKey),
		UseHTTPS:      useHTTPS,
		BlobEndpoint:  endpoint("blob"),
		QueueEndpoint: endpoint("queue"),
		TableEndpoint: endpoint("table"),
	}
}

// ParseConnectionString parses a semicolon separated list of key=value pairs.
// UseDevelopmentStorage=true selects DevelopmentConfiguration, otherwise
// AccountKey, AccountName and EndpointSuffix are required.
func ParseConnectionString(connectionString string) (Configuration, error) {
	values := map[string]string{}
	for _, component := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(component, "=")
		if !ok {
			continue
		}
		values[key] = value
	}

	if values["UseDevelopmentStorage"] == "true" {
		return DevelopmentConfiguration(), nil
	}

	accountKey, ok := values["AccountKey"]
	if !ok {
		return Configuration{}, &ConfigurationError{Field: "AccountKey", Reason: "missing account key"}
	}
	accountName, ok := values["AccountName"]
	if !ok {
		return Configuration{}, &ConfigurationError{Field: "AccountName", Reason: "missing account name"}
	}
	endpointSuffix, ok := values["EndpointSuffix"]
	if !ok {
		return Configuration{}, &ConfigurationError{Field: "EndpointSuffix", Reason: "missing endpoint suffix"}
	}

	return NewConfiguration(accountName, accountKey, endpointSuffix, values["DefaultEndpointsProtocol"] == "https"), nil
}

// ConfigurationFromEnv parses the connection string in AZURE_STORAGE_CONNECTION_STRING.
func ConfigurationFromEnv(envRepo env.Repository) (Configuration, error) {
	connectionString := envRepo.Get(ConnectionStringEnvKey)
	if connectionString == "" {
		return Configuration{}, &ConfigurationError{Field: ConnectionStringEnvKey, Reason: "not set"}
	}
	return ParseConnectionString(connectionString)
}
