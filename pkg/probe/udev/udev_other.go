//go:build !linux

package udev

// Installed always reports true on non-Linux hosts: there is no udev
// permission gate to satisfy.
func Installed() (bool, error) { return true, nil }

// Install is a no-op outside Linux.
func Install() error { return nil }
