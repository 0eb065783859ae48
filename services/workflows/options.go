package workflows

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds is a duration read from configuration either as a number of
// seconds or as a Go duration string such as "15m".
type Seconds time.Duration

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	d, err := parseSeconds(v)
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	d, err := parseSeconds(v)
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

func parseSeconds(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return 0, nil
		}
		if n, err := strconv.ParseFloat(x, 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", x)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}

// Vcenter is one vSphere environment gateways can be placed in.
type Vcenter struct {
	Name       string   `json:"name" yaml:"name"`
	Network    string   `json:"networkName" yaml:"networkName"`
	Datastores []string `json:"datastoreList" yaml:"datastoreList"`
	Hosts      []string `json:"hostList" yaml:"hostList"`
}

// Testbed is the environment every workflow runs against.
type Testbed struct {
	Vcenter Vcenter
	// CreateTimeout bounds the creation task of a gateway.
	CreateTimeout time.Duration
	// TaskWait bounds every other task. Zero uses the client default.
	TaskWait time.Duration
}

// GatewayOptions shape the gateways the workflows create and modify.
type GatewayOptions struct {
	VMPrefix       string  `json:"vmPrefix" yaml:"vmPrefix"`
	DNSAddress     string  `json:"dnsAddress" yaml:"dnsAddress"`
	AlternateDNS   string  `json:"alternateDNS" yaml:"alternateDNS"`
	Gateway        string  `json:"gateway" yaml:"gateway"`
	SubnetMask     string  `json:"subnetMask" yaml:"subnetMask"`
	ProxyAddress   string  `json:"proxyAddress" yaml:"proxyAddress"`
	IPPrefix       string  `json:"ipPrefix" yaml:"ipPrefix"`
	IPMin          string  `json:"ipMin" yaml:"ipMin"`
	IPMax          string  `json:"ipMax" yaml:"ipMax"`
	Data1IP        string  `json:"data1IP" yaml:"data1IP"`
	Data2IP        string  `json:"data2IP" yaml:"data2IP"`
	DataSubnetMask string  `json:"dataSubnetMask" yaml:"dataSubnetMask"`
	Network2       string  `json:"network2" yaml:"network2"`
	Network3       string  `json:"network3" yaml:"network3"`
	UpdateSize1    float64 `json:"updatePsgSize1" yaml:"updatePsgSize1"`
	UpdateSize2    float64 `json:"updatePsgSize2" yaml:"updatePsgSize2"`
}

// CRUDOptions drive the gateway create, modify and delete workflow.
type CRUDOptions struct {
	VUs                    int            `json:"vus" yaml:"vus"`
	Iterations             int            `json:"iteration" yaml:"iteration"`
	Duration               Seconds        `json:"duration" yaml:"duration"`
	NetworkAddress         string         `json:"nwAddress" yaml:"nwAddress"`
	ThinkBeforeModifyDNS   Seconds        `json:"thinkBeforeModifyDNS" yaml:"thinkBeforeModifyDNS"`
	WaitAfterModifyDNS     Seconds        `json:"waitAfterModifyDNS" yaml:"waitAfterModifyDNS"`
	ThinkBeforeModifyProxy Seconds        `json:"thinkBeforeModifyProxy" yaml:"thinkBeforeModifyProxy"`
	WaitAfterModifyProxy   Seconds        `json:"waitAfterModifyProxy" yaml:"waitAfterModifyProxy"`
	ThinkBeforeModifyIP    Seconds        `json:"thinkBeforeModifyIP" yaml:"thinkBeforeModifyIP"`
	WaitAfterModifyIP      Seconds        `json:"waitAfterModifyIP" yaml:"waitAfterModifyIP"`
	Gateway                GatewayOptions `json:"psgwOptions" yaml:"psgwOptions"`
}

// BackupRestoreOptions drive the local and cloud backup workflows. Every
// iteration works on the same VM, so VUs may only be 0 or 1.
type BackupRestoreOptions struct {
	VUs        int     `json:"vus" yaml:"vus"`
	Iterations int     `json:"iteration" yaml:"iteration"`
	Duration   Seconds `json:"duration" yaml:"duration"`
	// VMName is the VM protected, backed up and restored.
	VMName string `json:"catalystVm" yaml:"catalystVm"`
	// GatewayName is the existing gateway whose local store receives
	// backups. Cloud runs deploy their own gateway instead.
	GatewayName    string         `json:"psgName" yaml:"psgName"`
	Region         string         `json:"region" yaml:"region"`
	NetworkAddress string         `json:"nwAddress" yaml:"nwAddress"`
	ThinkTime      Seconds        `json:"thinkTime" yaml:"thinkTime"`
	Gateway        GatewayOptions `json:"psgwOptions" yaml:"psgwOptions"`
}

// CreateGatewaysOptions drive bulk gateway provisioning.
type CreateGatewaysOptions struct {
	Iterations int            `json:"iteration" yaml:"iteration"`
	Duration   Seconds        `json:"duration" yaml:"duration"`
	Addresses  []string       `json:"ipList" yaml:"ipList"`
	ThinkTime  Seconds        `json:"thinkingTime" yaml:"thinkingTime"`
	Gateway    GatewayOptions `json:"psgwOptions" yaml:"psgwOptions"`
}

// DeleteGatewaysOptions drive bulk gateway removal.
type DeleteGatewaysOptions struct {
	Prefix            string  `json:"vmPrefix" yaml:"vmPrefix"`
	VUs               int     `json:"virtualUsers" yaml:"virtualUsers"`
	Duration          Seconds `json:"duration" yaml:"duration"`
	ThinkBeforeDelete Seconds `json:"thinkBeforeDelete" yaml:"thinkBeforeDelete"`
	WaitAfterDelete   Seconds `json:"waitAfterDelete" yaml:"waitAfterDelete"`
}

// ModifyLocalStoreOptions drive the DNS and proxy changes on existing
// gateways.
type ModifyLocalStoreOptions struct {
	Prefix                 string  `json:"vmPrefix" yaml:"vmPrefix"`
	VUs                    int     `json:"virtualUsers" yaml:"virtualUsers"`
	Iterations             int     `json:"iteration" yaml:"iteration"`
	Duration               Seconds `json:"duration" yaml:"duration"`
	AlternateDNS           string  `json:"alternateDNS" yaml:"alternateDNS"`
	ProxyAddress           string  `json:"proxyAddress" yaml:"proxyAddress"`
	ThinkBeforeModifyDNS   Seconds `json:"thinkBeforeModifyDNS" yaml:"thinkBeforeModifyDNS"`
	WaitAfterModifyDNS     Seconds `json:"waitAfterModifyDNS" yaml:"waitAfterModifyDNS"`
	ThinkBeforeModifyProxy Seconds `json:"thinkBeforeModifyProxy" yaml:"thinkBeforeModifyProxy"`
	WaitAfterModifyProxy   Seconds `json:"waitAfterModifyProxy" yaml:"waitAfterModifyProxy"`
}

// BrimJob is a protection job run on behalf of an account.
type BrimJob struct {
	// Account is a key of the testbed's accountOptions.
	Account         string  `json:"account" yaml:"account"`
	ProtectionJobID string  `json:"protectionJobId" yaml:"protectionJobId"`
	WaitTime        Seconds `json:"waitTime" yaml:"waitTime"`
	// ScheduleIDs defaults to every tier of the policy.
	ScheduleIDs []int `json:"scheduleIds" yaml:"scheduleIds"`
}

// BrimOptions drive the multi-account backup and summary workflows.
type BrimOptions struct {
	Iterations int       `json:"iteration" yaml:"iteration"`
	Duration   Seconds   `json:"duration" yaml:"duration"`
	Jobs       []BrimJob `json:"jobs" yaml:"jobs"`
	// SummaryAccounts are read by brim-summary. Empty uses the accounts
	// of Jobs.
	SummaryAccounts []string `json:"summaryAccounts" yaml:"summaryAccounts"`
	// SettleTime follows the last triggered backup.
	SettleTime   Seconds `json:"settleTime" yaml:"settleTime"`
	SummaryPause Seconds `json:"summaryPause" yaml:"summaryPause"`
}

// accounts returns the accounts to summarise, in configuration order.
func (o BrimOptions) accounts() []string {
	if len(o.SummaryAccounts) > 0 {
		return o.SummaryAccounts
	}
	var names []string
	seen := map[string]bool{}
	for _, j := range o.Jobs {
		if !seen[j.Account] {
			seen[j.Account] = true
			names = append(names, j.Account)
		}
	}
	return names
}

// MonitorHealthOptions drive the dashboard polling workflow.
type MonitorHealthOptions struct {
	VUs        int     `json:"virtualUsers" yaml:"virtualUsers"`
	Iterations int     `json:"iteration" yaml:"iteration"`
	Duration   Seconds `json:"duration" yaml:"duration"`
	ThinkTime  Seconds `json:"thinkTime" yaml:"thinkTime"`
}

// Options holds the inputs of every workflow.
type Options struct {
	CRUD               CRUDOptions             `json:"crudWorkflow" yaml:"crudWorkflow"`
	BackupRestore      BackupRestoreOptions    `json:"backupRestore" yaml:"backupRestore"`
	CloudBackupRestore BackupRestoreOptions    `json:"cloudBackupRestore" yaml:"cloudBackupRestore"`
	CreateGateways     CreateGatewaysOptions   `json:"createProtectionGateway" yaml:"createProtectionGateway"`
	DeleteGateways     DeleteGatewaysOptions   `json:"deleteProtectionGateway" yaml:"deleteProtectionGateway"`
	ModifyLocalStore   ModifyLocalStoreOptions `json:"modifyLocalStore" yaml:"modifyLocalStore"`
	Brim               BrimOptions             `json:"brim" yaml:"brim"`
	MonitorHealth      MonitorHealthOptions    `json:"monitorHealth" yaml:"monitorHealth"`
}
