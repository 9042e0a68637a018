// Package sysfs implements a built-in discovery handler endpoint that
// scans a sysfs class directory for accelerator-style PF/VF devices,
// the way real udev/pci-based handlers observe hardware that has
// already been enumerated by the kernel.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

const defaultClassPath = "/sys/class/accel"

// scannedDevice is one PF or VF read off sysfs, identified the way the
// kernel's PCI core identifies it rather than by any vendor-specific
// attribute.
type scannedDevice struct {
	name       string // "accel0", "accel0_vf0", etc.
	vendorID   string // "0x1da3"
	deviceID   string // "0x1000"
	driver     string // kernel driver bound to the device, "" if unbound
	numaNode   int
	deviceType string // "pf" or "vf"
	pciAddress string // "0000:11:00.0"
	physFn     string // parent PF name for VFs
}

func (d scannedDevice) toDiscoveredDevice(nodeName string) akri.DiscoveredDevice {
	props := map[string]string{
		"vendor_id":   d.vendorID,
		"device_id":   d.deviceID,
		"numa_node":   strconv.Itoa(d.numaNode),
		"device_type": d.deviceType,
		"pci_address": d.pciAddress,
	}
	if d.driver != "" {
		props["driver"] = d.driver
	}
	if d.physFn != "" {
		props["phys_fn"] = d.physFn
	}
	return akri.DiscoveredDevice{
		Device: akri.Device{
			ID:         d.name,
			Properties: props,
			DeviceNodes: []akri.DeviceNode{
				{ContainerPath: "/dev/" + d.name, HostPath: "/dev/" + d.name, Permissions: "rw"},
			},
		},
		Sharing:  akri.Local,
		NodeName: nodeName,
	}
}

// scanner walks classPath and reads each device directory's attributes.
// It reuses its result map across scans to cut allocations on repeated
// polling.
type scanner struct {
	classPath string
	lastScan  map[string]scannedDevice
}

func newScanner(classPath string) *scanner {
	if classPath == "" {
		classPath = defaultClassPath
	}
	return &scanner{classPath: classPath}
}

func (s *scanner) scan() (map[string]scannedDevice, error) {
	klog.V(5).InfoS("sysfs: scanning for devices", "path", s.classPath)

	if _, err := os.Stat(s.classPath); os.IsNotExist(err) {
		klog.V(5).InfoS("sysfs: class path does not exist, no devices found", "path", s.classPath)
		return map[string]scannedDevice{}, nil
	}

	entries, err := os.ReadDir(s.classPath)
	if err != nil {
		return nil, fmt.Errorf("reading sysfs class directory: %w", err)
	}

	if s.lastScan == nil {
		s.lastScan = make(map[string]scannedDevice, 16)
	} else {
		for k := range s.lastScan {
			delete(s.lastScan, k)
		}
	}

	for _, entry := range entries {
		devName := entry.Name()
		devPath := filepath.Join(s.classPath, devName)

		info, err := os.Stat(devPath)
		if err != nil || !info.IsDir() {
			continue
		}

		dev, err := s.scanDevice(devName, devPath)
		if err != nil {
			klog.ErrorS(err, "sysfs: failed to scan device", "name", devName)
			continue
		}
		s.lastScan[devName] = dev
	}

	klog.V(5).InfoS("sysfs: scan complete", "devices", len(s.lastScan))
	return s.lastScan, nil
}

func (s *scanner) scanDevice(devName, devPath string) (scannedDevice, error) {
	dev := scannedDevice{name: devName}

	var err error
	dev.vendorID, err = readSysfsString(devPath, "device/vendor")
	if err != nil {
		return scannedDevice{}, fmt.Errorf("reading vendor id: %w", err)
	}
	dev.deviceID, err = readSysfsString(devPath, "device/device")
	if err != nil {
		return scannedDevice{}, fmt.Errorf("reading device id: %w", err)
	}

	if driver, err := readDriverName(devPath); err == nil {
		dev.driver = driver
	}

	dev.numaNode, err = readNumaNode(devPath)
	if err != nil {
		return scannedDevice{}, fmt.Errorf("reading numa_node: %w", err)
	}
	dev.pciAddress, err = readPCIAddress(devPath)
	if err != nil {
		return scannedDevice{}, fmt.Errorf("reading PCI address: %w", err)
	}

	dev.deviceType = detectDeviceType(devName)
	if dev.deviceType == "vf" {
		dev.physFn = parsePhysFnName(devName)
	}
	return dev, nil
}

// detectDeviceType tells a VF from a PF by naming convention:
// "<pfname>_vf<N>" is a VF, anything else is a PF.
func detectDeviceType(name string) string {
	if idx := strings.LastIndex(name, "_vf"); idx != -1 {
		suffix := name[idx+3:]
		if len(suffix) > 0 && isDigits(suffix) {
			return "vf"
		}
	}
	return "pf"
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parsePhysFnName(vfName string) string {
	parts := strings.Split(vfName, "_vf")
	if len(parts) >= 1 {
		return parts[0]
	}
	return ""
}
