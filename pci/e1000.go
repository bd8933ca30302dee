// Intel Peripheral Component Interconnect (PCI) support
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build amd64
// +build amd64

package pci

import (
	"github.com/f-secure-foundry/tamago-e1000/e1000"
)

// supported Ethernet controllers
var controllers = []uint16{
	e1000.Device82540EM,
	e1000.Device82574L,
	e1000.DeviceI219,
}

// FindController scans a bus for a supported Ethernet controller, returning
// its bus-master enabled PCI device when found.
func FindController(bus int) *Device {
	for _, id := range controllers {
		if d := Probe(bus, e1000.VendorIntel, id); d != nil {
			d.Enable()
			return d
		}
	}

	return nil
}
