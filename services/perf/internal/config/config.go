package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"gwperf/pkg/auth"
	"gwperf/services/workflows"
)

// DefaultCreateTimeout bounds gateway creation when vmCreationTimeout is
// not set.
const DefaultCreateTimeout = 900 * time.Second

// LoadEnv returns an Env populated from environment variables.
func LoadEnv(ctx context.Context) (Env, error) {
	var cfg Env
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Env{}, err
	}
	if cfg.TimeScale < 0 {
		return Env{}, fmt.Errorf("invalid GWPERF_TIME_SCALE: %v", cfg.TimeScale)
	}
	return cfg, nil
}

// LoadFile reads the test configuration at path. Files ending in .yaml or
// .yml are YAML, anything else JSON.
func LoadFile(path string) (File, error) {
	if strings.TrimSpace(path) == "" {
		return File{}, errors.New("test config path is required (set TEST_CONFIG or --config)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read test config: %w", err)
	}
	f, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a test configuration document. ext selects the format the
// same way LoadFile does.
func Parse(data []byte, ext string) (File, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return File{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return File{}, fmt.Errorf("decode json: %w", err)
		}
	}
	return f, nil
}

// Validate reports every problem of the testbed section at once.
func (f File) Validate() error {
	var errs []error
	tb := f.Testbed
	if err := checkURL("atlasOptions.baseUri", tb.Atlas.BaseURI); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("atlasOptions.tokenUri", tb.Atlas.TokenURI); err != nil {
		errs = append(errs, err)
	}
	if account, err := f.Account(); err != nil {
		errs = append(errs, err)
	} else if account.ClientID == "" || account.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("account %q needs clientId and clientSecret", account.Name))
	}
	if _, err := f.Vcenter(); err != nil {
		errs = append(errs, err)
	}
	if tb.VSphere.VMCreationTimeout < 0 {
		errs = append(errs, errors.New("vsphereOptions.vmCreationTimeout must not be negative"))
	}
	if r := tb.Reporter; r.PublishResult {
		if err := checkURL("reporterOptions.endpoint", r.Endpoint); err != nil {
			errs = append(errs, err)
		}
		if r.Project == "" || r.Token == "" {
			errs = append(errs, errors.New("reporterOptions needs project and token to publish results"))
		}
	}
	return errors.Join(errs...)
}

// Account returns the selected account, named after its key.
func (f File) Account() (auth.Account, error) {
	accounts := f.Testbed.Accounts
	name := f.Testbed.Account
	if name == "" {
		if len(accounts) != 1 {
			names := make([]string, 0, len(accounts))
			for n := range accounts {
				names = append(names, n)
			}
			sort.Strings(names)
			return auth.Account{}, fmt.Errorf("testbed.account must pick one of accountOptions %v", names)
		}
		for n := range accounts {
			name = n
		}
	}
	return f.AccountNamed(name)
}

// AccountNamed returns the accountOptions entry under key, named after it
// when it has no name.
func (f File) AccountNamed(key string) (auth.Account, error) {
	account, ok := f.Testbed.Accounts[key]
	if !ok {
		return auth.Account{}, fmt.Errorf("account %q is not in accountOptions", key)
	}
	if account.Name == "" {
		account.Name = key
	}
	return account, nil
}

// Vcenter returns the vcenterList entry named by vsphereOptions.vcenter.
func (f File) Vcenter() (workflows.Vcenter, error) {
	name := f.Testbed.VSphere.Vcenter
	if name == "" {
		return workflows.Vcenter{}, errors.New("vsphereOptions.vcenter is required")
	}
	for _, vc := range f.Testbed.Vcenters {
		if vc.Name == name {
			if len(vc.Datastores) == 0 || len(vc.Hosts) == 0 {
				return workflows.Vcenter{}, fmt.Errorf("vcenter %q needs datastoreList and hostList", name)
			}
			return vc, nil
		}
	}
	return workflows.Vcenter{}, fmt.Errorf("vcenter %q is not in vcenterList", name)
}

// WorkflowTestbed is the testbed handed to every workflow.
func (f File) WorkflowTestbed() (workflows.Testbed, error) {
	vc, err := f.Vcenter()
	if err != nil {
		return workflows.Testbed{}, err
	}
	create := f.Testbed.VSphere.VMCreationTimeout.Duration()
	if create == 0 {
		create = DefaultCreateTimeout
	}
	return workflows.Testbed{
		Vcenter:       vc,
		CreateTimeout: create,
		TaskWait:      f.Testbed.VSphere.TaskWait.Duration(),
	}, nil
}

func checkURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", field, raw)
	}
	return nil
}
