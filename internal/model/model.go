// Package model defines all shared domain types for fleetlink.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DeviceStatus is the lifecycle state of a device.
type DeviceStatus string

const (
	StatusPending DeviceStatus = "pending"
	// StatusProvisioning marks a device whose address is reserved while the
	// tunnel peer is being configured. It is never reported as enrolled.
	StatusProvisioning DeviceStatus = "provisioning"
	StatusActive       DeviceStatus = "active"
	StatusOffline      DeviceStatus = "offline"
	StatusSuspended    DeviceStatus = "suspended"
)

// Valid reports whether s is a known status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusActive, StatusOffline, StatusSuspended:
		return true
	}
	return false
}

// BillingClass selects the tunnel address range a device draws from.
type BillingClass string

const (
	BillingCustomer BillingClass = "customer"
	BillingInternal BillingClass = "internal"
)

// DeviceClass is the kind of machine being enrolled.
type DeviceClass string

const (
	ClassScanner DeviceClass = "scanner"
	ClassServer  DeviceClass = "server"
)

// Organization owns sites and devices.
type Organization struct {
	ID   int64        `json:"id"`
	Slug string       `json:"slug"`
	Name string       `json:"name"`
	Type BillingClass `json:"type"`
}

// Site is a physical location within an organization.
type Site struct {
	ID    int64  `json:"id"`
	OrgID int64  `json:"org_id"`
	Slug  string `json:"slug"`
	Name  string `json:"name"`
}

// Device is one physical or virtual machine in the fleet.
type Device struct {
	ID              int64        `json:"id"`
	OrgID           *int64       `json:"org_id,omitempty"`
	SiteID          *int64       `json:"site_id,omitempty"`
	OrgName         string       `json:"org_name,omitempty"`
	SiteName        string       `json:"site_name,omitempty"`
	DeviceName      string       `json:"device_name"`
	DeviceClass     DeviceClass  `json:"device_class"`
	BillingClass    BillingClass `json:"billing_class"`
	Status          DeviceStatus `json:"status"`
	Hostname        string       `json:"hostname,omitempty"`
	Fingerprint     string       `json:"fingerprint,omitempty"`
	TunnelPublicKey string       `json:"tunnel_public_key,omitempty"`
	TunnelAddress   string       `json:"tunnel_address,omitempty"`
	LocalIP         string       `json:"local_ip,omitempty"`
	PublicIP        string       `json:"public_ip,omitempty"`
	MACAddresses    []string     `json:"mac_addresses,omitempty"`
	Manufacturer    string       `json:"manufacturer,omitempty"`
	Model           string       `json:"model,omitempty"`
	SerialNumber    string       `json:"serial_number,omitempty"`
	CPUModel        string       `json:"cpu_model,omitempty"`
	CPUCores        int          `json:"cpu_cores,omitempty"`
	RAMGB           int          `json:"ram_gb,omitempty"`
	DiskGB          int          `json:"disk_gb,omitempty"`
	OSType          string       `json:"os_type,omitempty"`
	OSVersion       string       `json:"os_version,omitempty"`
	KernelVersion   string       `json:"kernel_version,omitempty"`
	DockerPresent   bool         `json:"docker_present"`
	LVMPresent      bool         `json:"lvm_present"`
	EnrolledAt      *time.Time   `json:"enrolled_at,omitempty"`
	LastSeenAt      *time.Time   `json:"last_seen_at,omitempty"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	CreatedAt       time.Time    `json:"created_at"`
}

// PendingDevice describes a device to be created awaiting enrollment.
type PendingDevice struct {
	OrgSlug      string       `json:"org_slug"`
	SiteSlug     string       `json:"site_slug,omitempty"`
	DeviceName   string       `json:"device_name"`
	DeviceClass  DeviceClass  `json:"device_class"`
	BillingClass BillingClass `json:"billing_class"`
}

// HardwareDescriptor is what a device reports about itself at enrollment.
// MACAddresses is the comma separated list exactly as the agent sent it.
type HardwareDescriptor struct {
	SerialNumber  string `json:"serial_number"`
	MACAddresses  string `json:"mac_addresses"`
	Manufacturer  string `json:"manufacturer"`
	Model         string `json:"model"`
	LocalIP       string `json:"local_ip"`
	CPUModel      string `json:"cpu_model"`
	CPUCores      int    `json:"cpu_cores"`
	RAMGB         int    `json:"ram_gb"`
	DiskGB        int    `json:"disk_gb"`
	OSType        string `json:"os_type"`
	OSVersion     string `json:"os_version"`
	KernelVersion string `json:"kernel_version"`
	DockerPresent bool   `json:"docker_present"`
	LVMPresent    bool   `json:"lvm_present"`
}

// MACList splits the reported MAC addresses into a clean list.
func (h HardwareDescriptor) MACList() []string {
	var out []string
	for _, m := range strings.Split(h.MACAddresses, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Filesystem is a single mounted filesystem in a heartbeat.
type Filesystem struct {
	Mount       string  `json:"mount"`
	Device      string  `json:"device,omitempty"`
	FSType      string  `json:"fs_type,omitempty"`
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// HeartbeatReport is the periodic telemetry payload sent by a device.
// Nil metrics were not reported.
type HeartbeatReport struct {
	ReportID             string          `json:"report_id,omitempty"`
	UptimeSeconds        int64           `json:"uptime_seconds"`
	CPUUsagePercent      *float64        `json:"cpu_usage_percent"`
	RAMUsagePercent      *float64        `json:"ram_usage_percent"`
	RAMUsedGB            *float64        `json:"ram_used_gb"`
	RAMTotalGB           *float64        `json:"ram_total_gb"`
	Filesystems          []Filesystem    `json:"filesystems"`
	NetworkRxBytesPerSec *float64        `json:"network_rx_bytes_per_sec"`
	NetworkTxBytesPerSec *float64        `json:"network_tx_bytes_per_sec"`
	Services             json.RawMessage `json:"services,omitempty"`
	Containers           json.RawMessage `json:"containers,omitempty"`
	ScannerStats         json.RawMessage `json:"scanner_stats,omitempty"`
	LastLoginIPs         []string        `json:"last_login_ips"`
	FailedLoginCount24h  int             `json:"failed_login_count_24h"`
	PublicIP             string          `json:"public_ip,omitempty"`
}

// RootUsedPercent returns the used percentage of the filesystem mounted at /,
// or 0 when none was reported.
func (r HeartbeatReport) RootUsedPercent() float64 {
	for _, fs := range r.Filesystems {
		if fs.Mount == "/" {
			return fs.UsedPercent
		}
	}
	return 0
}

// Heartbeat is the latest snapshot stored for a device.
type Heartbeat struct {
	DeviceID  int64     `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	HeartbeatReport
}

// RollupBucket holds running aggregates for one device over one time bucket.
type RollupBucket struct {
	DeviceID    int64     `json:"device_id"`
	TimeBucket  time.Time `json:"time_bucket"`
	CPUAvg      float64   `json:"cpu_avg"`
	CPUMax      float64   `json:"cpu_max"`
	RAMAvg      float64   `json:"ram_avg"`
	RAMMax      float64   `json:"ram_max"`
	DiskRootAvg float64   `json:"disk_root_avg"`
	DiskRootMax float64   `json:"disk_root_max"`
	RxAvgMbps   float64   `json:"network_rx_avg_mbps"`
	RxMaxMbps   float64   `json:"network_rx_max_mbps"`
	TxAvgMbps   float64   `json:"network_tx_avg_mbps"`
	TxMaxMbps   float64   `json:"network_tx_max_mbps"`
	SampleCount int       `json:"sample_count"`
}

// DeviceFacts is one entry of a device's append-only facts history.
type DeviceFacts struct {
	DeviceID    int64           `json:"device_id"`
	CollectedAt time.Time       `json:"collected_at"`
	Facts       json.RawMessage `json:"facts"`
}

// DeviceState is the live view of a device kept in memory.
type DeviceState struct {
	DeviceID      int64        `json:"device_id"`
	DeviceName    string       `json:"device_name"`
	Status        DeviceStatus `json:"status"`
	TunnelAddress string       `json:"tunnel_address,omitempty"`
	CPU           *float64     `json:"cpu,omitempty"`
	RAM           *float64     `json:"ram,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	LastSeen      time.Time    `json:"last_seen"`
}

// Notification represents a structured device notification.
type Notification struct {
	Kind       string            `json:"kind"`
	Severity   string            `json:"severity"` // "info", "warning", "critical"
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	DeviceID   int64             `json:"device_id"`
	DeviceName string            `json:"device_name"`
	Timestamp  time.Time         `json:"timestamp"`
	Resolved   bool              `json:"resolved"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
