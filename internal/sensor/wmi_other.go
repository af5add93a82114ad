//go:build !windows

package sensor

func windowsProbes() []Probe { return nil }
