package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func readSysfsString(devPath, attr string) (string, error) {
	attrPath := filepath.Join(devPath, attr)
	data, err := os.ReadFile(attrPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", attrPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// readDriverName follows the device/driver symlink, present only while
// a kernel driver is bound, and returns its basename, e.g.
// /sys/class/accel/accel0/device/driver -> ../../../bus/pci/drivers/habanalabs.
func readDriverName(devPath string) (string, error) {
	driverLink := filepath.Join(devPath, "device", "driver")
	target, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("reading driver symlink: %w", err)
	}
	return filepath.Base(target), nil
}

// readNumaNode follows the device symlink to the PCI device directory
// and reads its numa_node attribute.
func readNumaNode(devPath string) (int, error) {
	numaPath := filepath.Join(devPath, "device", "numa_node")
	data, err := os.ReadFile(numaPath)
	if err != nil {
		return 0, fmt.Errorf("reading numa_node: %w", err)
	}
	numaNode, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing numa_node: %w", err)
	}
	return numaNode, nil
}

// readPCIAddress extracts the PCI address from the device symlink, e.g.
// /sys/class/accel/accel0/device -> ../../../0000:11:00.0
func readPCIAddress(devPath string) (string, error) {
	deviceLink := filepath.Join(devPath, "device")
	target, err := os.Readlink(deviceLink)
	if err != nil {
		return "", fmt.Errorf("reading device symlink: %w", err)
	}
	return filepath.Base(target), nil
}
