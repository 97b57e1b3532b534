package hci

import (
	"context"
	"fmt"
)

// FirmwareLoader probes a freshly reset controller and, when it
// recognizes it, uploads vendor firmware. The bool result reports whether
// an upload actually happened.
type FirmwareLoader interface {
	TryLoadFirmware(ctx context.Context, e *Engine) (bool, error)
}

// defaultEventMask enables the page-1 events this stack consumes,
// including the connection, authentication and simple pairing groups.
const defaultEventMask = 0x3DBFF807FFFBFFFF

// ControllerInfo is what Bringup learns about the controller.
type ControllerInfo struct {
	Addr    BdAddr
	Version LocalVersion
	Buffers BufferSize
}

// Bringup resets the controller, runs the optional firmware loader and
// performs the common initialization every session needs: event mask,
// buffer geometry for ACL flow control and the local address.
func (e *Engine) Bringup(ctx context.Context, fw FirmwareLoader) (ControllerInfo, error) {
	var info ControllerInfo

	if err := e.Reset(ctx); err != nil {
		return info, fmt.Errorf("resetting controller: %w", err)
	}
	if fw != nil {
		loaded, err := fw.TryLoadFirmware(ctx, e)
		if err != nil {
			return info, fmt.Errorf("loading firmware: %w", err)
		}
		if loaded {
			// The patched firmware reboots the controller core; state
			// established before the upload is gone.
			if err := e.Reset(ctx); err != nil {
				return info, fmt.Errorf("resetting patched controller: %w", err)
			}
		}
	}

	version, err := e.ReadLocalVersion(ctx)
	if err != nil {
		return info, fmt.Errorf("reading local version: %w", err)
	}
	info.Version = version

	if err := e.SetEventMask(ctx, defaultEventMask); err != nil {
		return info, fmt.Errorf("setting event mask: %w", err)
	}

	buffers, err := e.ReadBufferSize(ctx)
	if err != nil {
		return info, fmt.Errorf("reading buffer size: %w", err)
	}
	info.Buffers = buffers
	e.SetBufferConfig(int(buffers.ACLPacketLen), int(buffers.ACLPackets))

	addr, err := e.ReadBdAddr(ctx)
	if err != nil {
		return info, fmt.Errorf("reading controller address: %w", err)
	}
	info.Addr = addr

	e.log.Info("controller ready",
		"address", addr.String(),
		"hciVersion", version.HCIVersion,
		"manufacturer", version.Manufacturer,
		"aclPacketLen", buffers.ACLPacketLen,
		"aclPackets", buffers.ACLPackets)
	return info, nil
}
