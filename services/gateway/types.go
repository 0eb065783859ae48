package gateway

// Gateway lifecycle values reported by the service.
const (
	StateOK            = "CG_STATE_OK"
	StateError         = "CG_STATE_ERROR"
	HealthConnected    = "CG_HEALTH_STATUS_CONNECTED"
	NetworkTypeStatic  = "STATIC"
	DefaultProxyPort   = 8080
	AlternateProxyPort = 8082
)

type list[T any] struct {
	Items []T `json:"items"`
}

// DatastoreRef names a datastore backing a gateway.
type DatastoreRef struct {
	DatastoreID string `json:"datastoreId"`
}

// DatastoreInfo reports the capacity a gateway holds on a datastore.
type DatastoreInfo struct {
	ID                      string  `json:"id"`
	Name                    string  `json:"name,omitempty"`
	TotalProvisionedDiskTiB float64 `json:"totalProvisionedDiskTiB"`
}

// NIC is one network interface of a gateway.
type NIC struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	NetworkAddress string `json:"networkAddress"`
	NetworkType    string `json:"networkType,omitempty"`
	SubnetMask     string `json:"subnetMask,omitempty"`
	Gateway        string `json:"gateway,omitempty"`
	NetworkName    string `json:"networkName,omitempty"`
}

// Proxy is the outbound proxy of a gateway.
type Proxy struct {
	NetworkAddress string `json:"networkAddress,omitempty"`
	Port           int    `json:"port"`
}

// Address wraps a single network address.
type Address struct {
	NetworkAddress string `json:"networkAddress"`
}

// Network is the network section of a gateway resource.
type Network struct {
	DNS   []Address `json:"dns,omitempty"`
	Proxy *Proxy    `json:"proxy,omitempty"`
	NICs  []NIC     `json:"nics,omitempty"`
}

// Health is the connectivity report of a gateway.
type Health struct {
	Status string `json:"status"`
}

// Gateway is a protection store gateway VM.
type Gateway struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ResourceURI    string          `json:"resourceUri"`
	State          string          `json:"state"`
	Health         Health          `json:"health"`
	DatastoreIDs   []DatastoreRef  `json:"datastoreIds"`
	DatastoresInfo []DatastoreInfo `json:"datastoresInfo"`
	Network        Network         `json:"network"`
}

// Healthy reports whether the gateway is ready for use.
func (g Gateway) Healthy() bool {
	return g.State == StateOK && g.Health.Status == HealthConnected
}

// PrimaryAddress returns the address of the first NIC.
func (g Gateway) PrimaryAddress() string {
	if len(g.Network.NICs) == 0 {
		return ""
	}
	return g.Network.NICs[0].NetworkAddress
}

// ProvisionedTiB sums the capacity provisioned on every datastore.
func (g Gateway) ProvisionedTiB() float64 {
	var total float64
	for _, ds := range g.DatastoresInfo {
		total += ds.TotalProvisionedDiskTiB
	}
	return total
}

// Store types.
const (
	StoreOnPremises = "ON_PREMISES"
	StoreCloud      = "CLOUD"
)

// Store is a protection store hosted by a gateway.
type Store struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StoreType   string `json:"protectionStoreType"`
	GatewayID   string `json:"protectionStoreGatewayId"`
	Region      string `json:"region,omitempty"`
	ResourceURI string `json:"resourceUri"`
}

// HypervisorManager is a registered vCenter.
type HypervisorManager struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Host is an ESXi host that can reach a datastore.
type Host struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Datastore is a vSphere datastore.
type Datastore struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	HostsInfo []Host `json:"hostsInfo"`
}

// VMConfig is the placement and sizing of a new gateway.
type VMConfig struct {
	DatastoreIDs                    []DatastoreRef `json:"datastoreIds"`
	MaxInCloudDailyProtectedDataTiB float64        `json:"maxInCloudDailyProtectedDataTiB"`
	MaxInCloudRetentionDays         int            `json:"maxInCloudRetentionDays"`
	MaxOnPremDailyProtectedDataTiB  float64        `json:"maxOnPremDailyProtectedDataTiB"`
	MaxOnPremRetentionDays          int            `json:"maxOnPremRetentionDays"`
	HostID                          string         `json:"hostId"`
	Network                         CreateNetwork  `json:"network"`
}

// CreateNetwork is the management network of a new gateway.
type CreateNetwork struct {
	DNS            []Address `json:"dns"`
	Gateway        string    `json:"gateway"`
	NetworkAddress string    `json:"networkAddress"`
	NetworkType    string    `json:"networkType"`
	SubnetMask     string    `json:"subnetMask"`
	Name           string    `json:"name"`
}

// CreateGatewayRequest is the body of a gateway creation.
type CreateGatewayRequest struct {
	HypervisorManagerID string   `json:"hypervisorManagerId"`
	Name                string   `json:"name"`
	VMConfig            VMConfig `json:"vmConfig"`
}

// Placement collects what a new gateway needs to know about its target.
type Placement struct {
	Name                string
	HypervisorManagerID string
	DatastoreID         string
	HostID              string
	NetworkName         string
	NetworkAddress      string
	DNSAddress          string
	Gateway             string
	SubnetMask          string
}

// NewCreateGatewayRequest builds a creation request with the default
// sizing: 2 TiB per day on premises and in the cloud, 100 days retention.
func NewCreateGatewayRequest(p Placement) CreateGatewayRequest {
	return CreateGatewayRequest{
		HypervisorManagerID: p.HypervisorManagerID,
		Name:                p.Name,
		VMConfig: VMConfig{
			DatastoreIDs:                    []DatastoreRef{{DatastoreID: p.DatastoreID}},
			MaxInCloudDailyProtectedDataTiB: 2,
			MaxInCloudRetentionDays:         100,
			MaxOnPremDailyProtectedDataTiB:  2,
			MaxOnPremRetentionDays:          100,
			HostID:                          p.HostID,
			Network: CreateNetwork{
				DNS:            []Address{{NetworkAddress: p.DNSAddress}},
				Gateway:        p.Gateway,
				NetworkAddress: p.NetworkAddress,
				NetworkType:    NetworkTypeStatic,
				SubnetMask:     p.SubnetMask,
				Name:           p.NetworkName,
			},
		},
	}
}

// ResizeRequest grows a gateway's storage.
type ResizeRequest struct {
	DatastoreIDs                    []DatastoreRef `json:"datastoreIds"`
	MaxInCloudDailyProtectedDataTiB float64        `json:"maxInCloudDailyProtectedDataTiB"`
	MaxInCloudRetentionDays         int            `json:"maxInCloudRetentionDays"`
	MaxOnPremDailyProtectedDataTiB  float64        `json:"maxOnPremDailyProtectedDataTiB"`
	MaxOnPremRetentionDays          int            `json:"maxOnPremRetentionDays"`
}

// NewResizeRequest keeps the gateway on its current datastores. A size
// equal to the current one is bumped by 2 TiB so the request is a change.
func NewResizeRequest(g Gateway, sizeTiB float64) ResizeRequest {
	if sizeTiB == g.ProvisionedTiB() {
		sizeTiB += 2
	}
	refs := make([]DatastoreRef, 0, len(g.DatastoreIDs))
	for _, ds := range g.DatastoreIDs {
		refs = append(refs, DatastoreRef{DatastoreID: ds.DatastoreID})
	}
	return ResizeRequest{
		DatastoreIDs:                    refs,
		MaxInCloudDailyProtectedDataTiB: sizeTiB,
		MaxInCloudRetentionDays:         100,
		MaxOnPremDailyProtectedDataTiB:  3,
		MaxOnPremRetentionDays:          100,
	}
}

// Schedule is one schedule of a protection.
type Schedule struct {
	ID          int          `json:"id"`
	Name        string       `json:"name,omitempty"`
	NamePattern *NamePattern `json:"namePattern,omitempty"`
	ExpireAfter *Period      `json:"expireAfter,omitempty"`
	Schedule    *Recurrence  `json:"schedule,omitempty"`
	SourceID    int          `json:"sourceProtectionScheduleId,omitempty"`
	Consistency string       `json:"consistency,omitempty"`
}

// NamePattern formats the names of created copies.
type NamePattern struct {
	Format string `json:"format"`
}

// Period is a retention period.
type Period struct {
	Unit  string `json:"unit"`
	Value int    `json:"value"`
}

// Recurrence is how often a schedule fires.
type Recurrence struct {
	Recurrence     string   `json:"recurrence"`
	RepeatInterval Interval `json:"repeatInterval"`
}

// Interval qualifies a recurrence.
type Interval struct {
	Every int   `json:"every"`
	On    []int `json:"on,omitempty"`
}

// Protection is one tier of a protection policy.
type Protection struct {
	ID                string     `json:"id,omitempty"`
	Type              string     `json:"type"`
	ApplicationType   string     `json:"applicationType,omitempty"`
	Schedules         []Schedule `json:"schedules"`
	ProtectionStoreID string     `json:"protectionStoreId,omitempty"`
}

// Policy is a protection policy.
type Policy struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Protections []Protection `json:"protections"`
}

// Protection tiers.
const (
	ProtectionSnapshot = "SNAPSHOT"
	ProtectionBackup   = "BACKUP"
	ProtectionCloud    = "CLOUD_BACKUP"
)

// NewPolicy builds a policy with a daily snapshot tier and, when a store
// is given, a weekly local backup tier and a monthly cloud backup tier.
func NewPolicy(name, localStoreID, cloudStoreID string) Policy {
	p := Policy{Name: name, Protections: []Protection{{
		Type:            ProtectionSnapshot,
		ApplicationType: "VMWARE",
		Schedules: []Schedule{{
			ID:          1,
			Name:        "Snapshot_1",
			NamePattern: &NamePattern{Format: "Snapshot_{DateFormat}"},
			ExpireAfter: &Period{Unit: "DAYS", Value: 1},
			Schedule:    &Recurrence{Recurrence: "DAILY", RepeatInterval: Interval{Every: 1}},
		}},
	}}}
	if localStoreID != "" {
		p.Protections = append(p.Protections, Protection{
			Type:            ProtectionBackup,
			ApplicationType: "VMWARE",
			Schedules: []Schedule{{
				ID:          2,
				Name:        "Local_Backup_2",
				NamePattern: &NamePattern{Format: "Local_Backup_{DateFormat}"},
				ExpireAfter: &Period{Unit: "WEEKS", Value: 1},
				Schedule:    &Recurrence{Recurrence: "WEEKLY", RepeatInterval: Interval{Every: 1, On: []int{2}}},
				SourceID:    1,
			}},
			ProtectionStoreID: localStoreID,
		})
	}
	if cloudStoreID != "" {
		p.Protections = append(p.Protections, Protection{
			Type:            ProtectionCloud,
			ApplicationType: "VMWARE",
			Schedules: []Schedule{{
				ID:          3,
				Name:        "Cloud_Backup_3",
				NamePattern: &NamePattern{Format: "Cloud_Backup_{DateFormat}"},
				ExpireAfter: &Period{Unit: "MONTHS", Value: 1},
				Schedule:    &Recurrence{Recurrence: "MONTHLY", RepeatInterval: Interval{Every: 1, On: []int{6}}},
				SourceID:    2,
			}},
			ProtectionStoreID: cloudStoreID,
		})
	}
	return p
}

// AssetInfo identifies a protected asset.
type AssetInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ProtectRequest applies a policy to a VM.
type ProtectRequest struct {
	AssetInfo          AssetInfo `json:"assetInfo"`
	ProtectionPolicyID string    `json:"protectionPolicyId"`
	Overrides          Overrides `json:"overrides"`
}

// Overrides customise the policy for one asset.
type Overrides struct {
	Protections []Protection `json:"protections"`
}

// NewProtectRequest applies every schedule of policy to vm with crash
// consistency on failure.
func NewProtectRequest(vm VirtualMachine, policy Policy) ProtectRequest {
	req := ProtectRequest{
		AssetInfo:          AssetInfo{ID: vm.ID, Type: "VIRTUAL_MACHINE", Name: vm.Name},
		ProtectionPolicyID: policy.ID,
	}
	for _, p := range policy.Protections {
		o := Protection{ID: p.ID}
		for _, s := range p.Schedules {
			o.Schedules = append(o.Schedules, Schedule{ID: s.ID, Consistency: "CRASH_CONSISTENT_ON_FAILURE"})
		}
		req.Overrides.Protections = append(req.Overrides.Protections, o)
	}
	return req
}

// ProtectionJob is a policy applied to an asset.
type ProtectionJob struct {
	ID          string    `json:"id"`
	ResourceURI string    `json:"resourceUri"`
	AssetInfo   AssetInfo `json:"assetInfo"`
}

// VirtualMachine is a VM known to the service.
type VirtualMachine struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	ResourceURI           string            `json:"resourceUri,omitempty"`
	HypervisorManagerInfo HypervisorManager `json:"hypervisorManagerInfo"`
	HostInfo              Host              `json:"hostInfo"`
	AppInfo               VMAppInfo         `json:"appInfo"`
}

// VMAppInfo carries vSphere placement.
type VMAppInfo struct {
	VMware struct {
		DatastoresInfo []DatastoreInfo `json:"datastoresInfo"`
	} `json:"vmware"`
}

// DatastoreID returns the first datastore holding the VM.
func (vm VirtualMachine) DatastoreID() string {
	if len(vm.AppInfo.VMware.DatastoresInfo) == 0 {
		return ""
	}
	return vm.AppInfo.VMware.DatastoresInfo[0].ID
}

// Backup is a snapshot or backup copy of a VM.
type Backup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ResourceURI string `json:"resourceUri"`
	BackupType  string `json:"backupType,omitempty"`
}

// SourceCopy references the copy a backup is made from.
type SourceCopy struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// BackupRequest creates a local backup from a snapshot.
type BackupRequest struct {
	BackupType    string     `json:"backupType"`
	StoragePoolID string     `json:"storagePoolId"`
	Name          string     `json:"name"`
	SourceCopy    SourceCopy `json:"sourceCopyInfo"`
}

// Restore types.
const (
	RestoreParent    = "PARENT"
	RestoreAlternate = "ALTERNATE"
)

// TargetVM describes the VM a restore creates.
type TargetVM struct {
	Name    string `json:"name"`
	HostID  string `json:"hostId"`
	PowerOn bool   `json:"powerOn"`
	AppInfo struct {
		VMware struct {
			DatastoreID string `json:"datastoreId"`
		} `json:"vmware"`
	} `json:"appInfo"`
}

// RestoreRequest restores a snapshot or a backup.
type RestoreRequest struct {
	RestoreType  string    `json:"restoreType"`
	SnapshotID   string    `json:"snapshotId,omitempty"`
	BackupID     string    `json:"backupId,omitempty"`
	TargetVMInfo *TargetVM `json:"targetVMInfo,omitempty"`
}

// RestoreToParent overwrites the source VM. kind is a protection tier.
func RestoreToParent(copyID, kind string) RestoreRequest {
	req := RestoreRequest{RestoreType: RestoreParent}
	setCopy(&req, copyID, kind)
	return req
}

// RestoreToNew creates a powered-on VM next to source.
func RestoreToNew(copyID, kind, name string, source VirtualMachine) RestoreRequest {
	target := &TargetVM{Name: name, HostID: source.HostInfo.ID, PowerOn: true}
	target.AppInfo.VMware.DatastoreID = source.DatastoreID()
	req := RestoreRequest{RestoreType: RestoreAlternate, TargetVMInfo: target}
	setCopy(&req, copyID, kind)
	return req
}

func setCopy(req *RestoreRequest, copyID, kind string) {
	if kind == ProtectionSnapshot {
		req.SnapshotID = copyID
		return
	}
	req.BackupID = copyID
}
