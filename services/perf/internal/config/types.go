package config

import (
	"time"

	"gwperf/pkg/auth"
	"gwperf/pkg/report"
	"gwperf/pkg/s3"
	"gwperf/services/workflows"
)

// Env is the process configuration read from environment variables.
type Env struct {
	LogLevel     string  `env:"GWPERF_LOG_LEVEL,default=info"`
	LogFormat    string  `env:"GWPERF_LOG_FORMAT,default=json"`
	TestConfig   string  `env:"TEST_CONFIG"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	NATSURL      string  `env:"NATS_URL"`
	MetricsAddr  string  `env:"GWPERF_METRICS_ADDR"`
	DBDSN        string  `env:"GWPERF_DB_DSN"`
	TimeScale    float64 `env:"GWPERF_TIME_SCALE,default=1"`

	HTTPTimeout  time.Duration `env:"GWPERF_HTTP_TIMEOUT,default=2m"`
	PollInterval time.Duration `env:"GWPERF_POLL_INTERVAL,default=10s"`
	EventsMaxAge time.Duration `env:"GWPERF_EVENTS_MAX_AGE,default=72h"`

	MockAddr   string `env:"GWPERF_MOCK_ADDR,default=:8443"`
	MockSecret string `env:"GWPERF_MOCK_SECRET,default=gwperf-mock"`

	S3 s3.Config
}

// File is the test configuration document.
type File struct {
	Testbed   Testbed           `json:"testbed" yaml:"testbed"`
	TestInput workflows.Options `json:"testinput" yaml:"testinput"`
}

// Testbed describes the deployment under test.
type Testbed struct {
	Atlas    Atlas                   `json:"atlasOptions" yaml:"atlasOptions"`
	Accounts map[string]auth.Account `json:"accountOptions" yaml:"accountOptions"`
	// Account selects an entry of Accounts. It may be empty when there is
	// exactly one.
	Account  string              `json:"account" yaml:"account"`
	Reporter report.Options      `json:"reporterOptions" yaml:"reporterOptions"`
	VSphere  VSphere             `json:"vsphereOptions" yaml:"vsphereOptions"`
	Vcenters []workflows.Vcenter `json:"vcenterList" yaml:"vcenterList"`
}

// Atlas locates the management API and its token endpoint.
type Atlas struct {
	BaseURI  string `json:"baseUri" yaml:"baseUri"`
	TokenURI string `json:"tokenUri" yaml:"tokenUri"`
}

// VSphere picks the vCenter of the run and bounds gateway creation.
type VSphere struct {
	Vcenter           string            `json:"vcenter" yaml:"vcenter"`
	VMCreationTimeout workflows.Seconds `json:"vmCreationTimeout" yaml:"vmCreationTimeout"`
	TaskWait          workflows.Seconds `json:"taskWait" yaml:"taskWait"`
}
