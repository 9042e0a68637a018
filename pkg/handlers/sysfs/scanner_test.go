package sysfs

import (
	"os"
	"path/filepath"
	"testing"
)

func setupMockSysfs(t *testing.T) string {
	tmpDir := t.TempDir()

	devices := []struct {
		name     string
		vendorID string
		deviceID string
		driver   string
		numaNode string
		pciAddr  string
	}{
		{"accel0", "0x1da3", "0x1000", "habanalabs", "0", "0000:11:00.0"},
		{"accel0_vf0", "0x1da3", "0x1001", "habanalabs", "0", "0000:11:00.1"},
		{"accel1", "0x1da3", "0x1000", "habanalabs", "1", "0000:21:00.0"},
	}

	for _, dev := range devices {
		devDir := filepath.Join(tmpDir, dev.name)
		if err := os.MkdirAll(devDir, 0755); err != nil {
			t.Fatalf("creating device directory: %v", err)
		}

		pciDir := filepath.Join(tmpDir, "..", "pci", dev.pciAddr)
		if err := os.MkdirAll(pciDir, 0755); err != nil {
			t.Fatalf("creating PCI directory: %v", err)
		}
		writeAttr(t, pciDir, "vendor", dev.vendorID)
		writeAttr(t, pciDir, "device", dev.deviceID)
		writeAttr(t, pciDir, "numa_node", dev.numaNode)

		driverDir := filepath.Join(tmpDir, "..", "drivers", dev.driver)
		if err := os.MkdirAll(driverDir, 0755); err != nil {
			t.Fatalf("creating driver directory: %v", err)
		}

		deviceLink := filepath.Join(devDir, "device")
		if err := os.Symlink(pciDir, deviceLink); err != nil {
			t.Fatalf("creating device symlink: %v", err)
		}
		driverLink := filepath.Join(pciDir, "driver")
		if err := os.Symlink(driverDir, driverLink); err != nil {
			t.Fatalf("creating driver symlink: %v", err)
		}
	}

	return tmpDir
}

func writeAttr(t *testing.T, dir, name, value string) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestScannerScan(t *testing.T) {
	s := newScanner(setupMockSysfs(t))

	devices, err := s.scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}

	accel0, ok := devices["accel0"]
	if !ok {
		t.Fatal("device accel0 not found")
	}
	if accel0.vendorID != "0x1da3" {
		t.Errorf("vendorID = %q, want 0x1da3", accel0.vendorID)
	}
	if accel0.deviceID != "0x1000" {
		t.Errorf("deviceID = %q, want 0x1000", accel0.deviceID)
	}
	if accel0.driver != "habanalabs" {
		t.Errorf("driver = %q, want habanalabs", accel0.driver)
	}
	if accel0.deviceType != "pf" {
		t.Errorf("deviceType = %q, want pf", accel0.deviceType)
	}
	if accel0.numaNode != 0 {
		t.Errorf("numaNode = %d, want 0", accel0.numaNode)
	}
	if accel0.pciAddress != "0000:11:00.0" {
		t.Errorf("pciAddress = %q, want 0000:11:00.0", accel0.pciAddress)
	}
	if accel0.physFn != "" {
		t.Errorf("physFn = %q, want empty for a PF", accel0.physFn)
	}

	vf0, ok := devices["accel0_vf0"]
	if !ok {
		t.Fatal("device accel0_vf0 not found")
	}
	if vf0.deviceType != "vf" {
		t.Errorf("deviceType = %q, want vf", vf0.deviceType)
	}
	if vf0.physFn != "accel0" {
		t.Errorf("physFn = %q, want accel0", vf0.physFn)
	}
}

func TestScannerScanNonexistentPath(t *testing.T) {
	s := newScanner("/nonexistent/path")

	devices, err := s.scan()
	if err != nil {
		t.Fatalf("expected no error for a nonexistent path, got: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected 0 devices for a nonexistent path, got %d", len(devices))
	}
}

func TestDetectDeviceType(t *testing.T) {
	cases := map[string]string{
		"accel0":      "pf",
		"accel1":      "pf",
		"accel0_vf0":  "vf",
		"accel0_vf1":  "vf",
		"accel1_vf0":  "vf",
	}
	for name, want := range cases {
		if got := detectDeviceType(name); got != want {
			t.Errorf("detectDeviceType(%s) = %s, want %s", name, got, want)
		}
	}
}

func TestParsePhysFnName(t *testing.T) {
	cases := map[string]string{
		"accel0_vf0":  "accel0",
		"accel0_vf1":  "accel0",
		"accel1_vf0":  "accel1",
		"accel1_vf15": "accel1",
		"accel0":      "accel0",
	}
	for vf, want := range cases {
		if got := parsePhysFnName(vf); got != want {
			t.Errorf("parsePhysFnName(%s) = %s, want %s", vf, got, want)
		}
	}
}
