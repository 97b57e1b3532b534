//go:build !linux

package transport

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/bluecore/snoop"
)

// ListDevices requires usbdevfs and is only implemented on Linux.
func ListDevices() ([]DeviceInfo, error) {
	return nil, fmt.Errorf("%w: USB device access is only supported on Linux", ErrDeviceUnavailable)
}

func Claim(sel Selector, capture *snoop.Writer, logger *slog.Logger) (Transport, error) {
	return nil, fmt.Errorf("%w: USB device access is only supported on Linux", ErrDeviceUnavailable)
}
