//go:build linux

// Package udev installs the udev rules CMSIS-DAP probes need for
// unprivileged USB access on Linux (the known HID/WinUSB class devices
// are otherwise root-only by default).
package udev

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const rulesFileName = "99-dapbridge-cmsis-dap.rules"

var ruleDirs = []string{
	"/etc/udev/rules.d",
	"/lib/udev/rules.d",
}

// knownVendorIDs covers the CMSIS-DAP vendor IDs of ARM DAPLink,
// STMicroelectronics, SEGGER and Keil.
var knownVendorIDs = []string{"0d28", "0483", "1366", "c251"}

func rulesTemplate() string {
	var b strings.Builder
	for _, vid := range knownVendorIDs {
		fmt.Fprintf(&b, `SUBSYSTEM=="usb", ATTR{idVendor}=="%s", MODE="0666", TAG+="uaccess"`+"\n", vid)
		fmt.Fprintf(&b, `KERNEL=="hidraw*", ATTRS{idVendor}=="%s", MODE="0666", TAG+="uaccess"`+"\n", vid)
	}
	return b.String()
}

// Installed reports whether a dapbridge rules file already exists in
// either of the standard udev rule directories.
func Installed() (bool, error) {
	for _, dir := range ruleDirs {
		if _, err := os.Stat(filepath.Join(dir, rulesFileName)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Install writes the rules file to /etc/udev/rules.d via pkexec (so the
// CLI itself need not run as root) and reloads udev.
func Install() error {
	if ok, _ := Installed(); ok {
		return nil
	}

	tmp, err := os.CreateTemp("", "dapbridge-udev-*.rules")
	if err != nil {
		return fmt.Errorf("udev: staging rules file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(rulesTemplate()); err != nil {
		tmp.Close()
		return fmt.Errorf("udev: writing rules template: %w", err)
	}
	tmp.Close()

	dest := filepath.Join(ruleDirs[0], rulesFileName)
	cp := exec.Command("pkexec", "cp", tmp.Name(), dest)
	if out, err := cp.CombinedOutput(); err != nil {
		return fmt.Errorf("udev: installing rules (pkexec): %w: %s", err, out)
	}

	reload := exec.Command("pkexec", "udevadm", "control", "--reload-rules")
	if out, err := reload.CombinedOutput(); err != nil {
		return fmt.Errorf("udev: reloading udev rules: %w: %s", err, out)
	}
	return nil
}
