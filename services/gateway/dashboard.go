package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"gwperf/pkg/executor"
	"gwperf/pkg/failure"
)

const dashboardPath = "/app-data-management/v1/dashboard/"

// Dashboard panels served by the data management app.
const (
	PanelBackupCapacity = "backup-capacity-usage-summary"
	PanelCopies         = "copies-summary"
	PanelInventory      = "inventory-summary"
	PanelJobExecution   = "job-execution-status-summary"
	PanelTemplates      = "templates-summary"
	PanelProtections    = "protections-summary"
)

// CloudStoreUsage is the consumption of one cloud store.
type CloudStoreUsage struct {
	ID             string `json:"id,omitempty"`
	Region         string `json:"region,omitempty"`
	TotalDiskBytes int64  `json:"totalDiskBytes"`
}

// StoreSummary is the capacity of one gateway's stores.
type StoreSummary struct {
	GatewayID   string            `json:"protectionStoreGatewayId,omitempty"`
	CloudStores []CloudStoreUsage `json:"cloudStores"`
}

// CapacitySummary is the backup capacity usage panel.
type CapacitySummary struct {
	Stores []StoreSummary `json:"protectionStoresSummary"`
}

// CloudBytes sums the disk usage of every cloud store.
func (s CapacitySummary) CloudBytes() int64 {
	var total int64
	for _, st := range s.Stores {
		for _, cs := range st.CloudStores {
			total += cs.TotalDiskBytes
		}
	}
	return total
}

// ProtectionsSummary is the protected assets panel.
type ProtectionsSummary struct {
	HypervisorManagers struct {
		TotalProtected int `json:"totalProtected"`
	} `json:"hypervisorManagers"`
}

// Panel fetches one dashboard panel and returns its body. A null or empty
// body is an error.
func (c *Client) Panel(ctx context.Context, panel string) ([]byte, error) {
	out, err := c.exec.Do(ctx, executor.Call{Method: http.MethodGet, Path: dashboardPath + panel})
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSpace(out.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, failure.New(failure.DecodeError, "dashboard "+panel, "empty panel")
	}
	return body, nil
}

// BackupCapacity reads the backup capacity usage panel.
func (c *Client) BackupCapacity(ctx context.Context) (CapacitySummary, error) {
	var s CapacitySummary
	return s, c.decodePanel(ctx, PanelBackupCapacity, &s)
}

// Protections reads the protected assets panel.
func (c *Client) Protections(ctx context.Context) (ProtectionsSummary, error) {
	var s ProtectionsSummary
	return s, c.decodePanel(ctx, PanelProtections, &s)
}

func (c *Client) decodePanel(ctx context.Context, panel string, dest any) error {
	out, err := c.exec.Do(ctx, executor.Call{Method: http.MethodGet, Path: dashboardPath + panel})
	if err != nil {
		return err
	}
	if err := out.Decode(dest); err != nil {
		return fmt.Errorf("dashboard %s: %w", panel, err)
	}
	return nil
}
