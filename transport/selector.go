package transport

import "fmt"

// Selector narrows device discovery. Zero fields match anything, so the
// zero value means "first Bluetooth controller found".
type Selector struct {
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
}

// DeviceInfo describes one discovered Bluetooth USB controller.
type DeviceInfo struct {
	Path      string
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x", d.Bus, d.Address, d.VendorID, d.ProductID)
}

func (s Selector) matches(d DeviceInfo) bool {
	if s.VendorID != 0 && s.VendorID != d.VendorID {
		return false
	}
	if s.ProductID != 0 && s.ProductID != d.ProductID {
		return false
	}
	if s.Bus != 0 && s.Bus != d.Bus {
		return false
	}
	if s.Address != 0 && s.Address != d.Address {
		return false
	}
	return true
}
