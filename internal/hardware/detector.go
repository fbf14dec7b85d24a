// Package hardware detects RDMA devices on the host by scanning sysfs.
// Only the simulated transport backend is built in, so detection is
// informational: it tells operators what a native verbs backend would
// bind to on this machine.
package hardware

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultSysfsRoot is where the kernel exposes RDMA devices.
const defaultSysfsRoot = "/sys/class/infiniband"

// defaultRefreshRate is how often the detector rescans sysfs.
const defaultRefreshRate = 30 * time.Second

// Device describes one RDMA device found in sysfs.
type Device struct {
	Name          string `json:"name"`
	DevicePath    string `json:"device_path"`
	NodeGUID      string `json:"node_guid"`
	BoardID       string `json:"board_id"`
	FirmwareVer   string `json:"firmware_version"`
	NodeType      string `json:"node_type"`
	PhysPortCount int    `json:"phys_port_count"`
	LinkLayer     string `json:"link_layer"`
	SpeedGbps     uint64 `json:"speed_gbps"`
	State         string `json:"state"`
}

// Capabilities is a point-in-time view of the host's RDMA hardware.
type Capabilities struct {
	Devices     []Device  `json:"devices"`
	Available   bool      `json:"available"`
	LastUpdated time.Time `json:"last_updated"`
}

// Detector scans sysfs for RDMA devices and keeps the latest result.
type Detector struct {
	mu          sync.RWMutex
	caps        Capabilities
	sysfsRoot   string
	refreshRate time.Duration
	stopCh      chan struct{}
}

// NewDetector creates a detector reading from the standard sysfs location.
func NewDetector() *Detector {
	return NewDetectorAt(defaultSysfsRoot)
}

// NewDetectorAt creates a detector reading from an alternate sysfs root,
// for hosts that mount sysfs somewhere else (containers, mostly).
func NewDetectorAt(root string) *Detector {
	return &Detector{
		sysfsRoot:   root,
		refreshRate: defaultRefreshRate,
		stopCh:      make(chan struct{}),
	}
}

// Start runs an initial scan and then rescans periodically until Stop.
func (d *Detector) Start() {
	d.Refresh()

	go func() {
		ticker := time.NewTicker(d.refreshRate)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.Refresh()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop ends periodic scanning.
func (d *Detector) Stop() {
	close(d.stopCh)
}

// Refresh rescans sysfs and replaces the held capabilities.
func (d *Detector) Refresh() {
	devices := d.scan()

	d.mu.Lock()
	d.caps = Capabilities{
		Devices:     devices,
		Available:   len(devices) > 0,
		LastUpdated: time.Now(),
	}
	d.mu.Unlock()

	log.Debug().Int("rdma_devices", len(devices)).Msg("Hardware detection completed")
}

// Capabilities returns the result of the most recent scan.
func (d *Detector) Capabilities() Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.caps
}

// HasRDMA reports whether the last scan found any RDMA device.
func (d *Detector) HasRDMA() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.caps.Available
}

// BestDevice returns the active device with the highest port speed, or nil
// when no device is active.
func (d *Detector) BestDevice() *Device {
	caps := d.Capabilities()

	var best *Device
	var maxSpeed uint64

	for i := range caps.Devices {
		dev := &caps.Devices[i]
		if dev.State == "ACTIVE" && dev.SpeedGbps >= maxSpeed {
			best = dev
			maxSpeed = dev.SpeedGbps
		}
	}

	return best
}

// scan reads every device directory under the sysfs root.
func (d *Detector) scan() []Device {
	var devices []Device

	entries, err := os.ReadDir(d.sysfsRoot)
	if err != nil {
		log.Debug().Str("path", d.sysfsRoot).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.sysfsRoot, entry.Name())
		device := Device{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.BoardID = readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseTagged(readSysfsFile(filepath.Join(devicePath, "node_type")))

		// Link attributes come from the first port.
		portsPath := filepath.Join(devicePath, "ports")
		if portEntries, err := os.ReadDir(portsPath); err == nil {
			device.PhysPortCount = len(portEntries)

			if len(portEntries) > 0 {
				portPath := filepath.Join(portsPath, portEntries[0].Name())
				device.LinkLayer = readSysfsFile(filepath.Join(portPath, "link_layer"))
				device.State = parseTagged(readSysfsFile(filepath.Join(portPath, "state")))
				device.SpeedGbps = parseSpeed(readSysfsFile(filepath.Join(portPath, "rate")))
			}
		}

		devices = append(devices, device)
	}

	return devices
}

// readSysfsFile reads a sysfs attribute, returning "" when it is absent.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseTagged strips the numeric tag sysfs prepends to enumerated
// attributes, so "4: ACTIVE" becomes "ACTIVE".
func parseTagged(s string) string {
	if _, after, ok := strings.Cut(s, ": "); ok {
		return after
	}

	return s
}

// parseSpeed extracts the Gb/s figure from a port rate string such as
// "100 Gb/sec (4X EDR)".
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}

	return 0
}
