package firmware

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Alia5/bluecore/hci"
)

// Vendor-specific commands used by the Realtek download protocol.
const (
	OpDownload       hci.Opcode = 0xFC20
	OpReadReg16      hci.Opcode = 0xFC61
	OpReadRomVersion hci.Opcode = 0xFC6D
)

// Register read payloads for chip identification.
var (
	regChipSubversion = []byte{0x10, 0x38, 0x04, 0x28, 0x80}
	regChipRevision   = []byte{0x10, 0x3A, 0x04, 0x28, 0x80}
)

// maxFragmentLen is the patch payload capacity of one download command.
const maxFragmentLen = 252

func readRomVersion(ctx context.Context, e *hci.Engine) (uint8, error) {
	ret, err := e.Submit(ctx, OpReadRomVersion, nil)
	if err != nil {
		return 0, err
	}
	if len(ret) < 2 {
		return 0, fmt.Errorf("short ROM version response: %d bytes", len(ret))
	}
	return ret[1], nil
}

func readReg16(ctx context.Context, e *hci.Engine, payload []byte) (uint16, error) {
	ret, err := e.Submit(ctx, OpReadReg16, payload)
	if err != nil {
		return 0, err
	}
	if len(ret) < 3 {
		return 0, fmt.Errorf("short register read response: %d bytes", len(ret))
	}
	return binary.LittleEndian.Uint16(ret[1:3]), nil
}

// downloadFragment pushes one patch fragment. The index counts fragments
// in its low 7 bits and flags the final fragment with the high bit. The
// controller echoes the index back; a mismatch means the upload derailed.
func downloadFragment(ctx context.Context, e *hci.Engine, index uint8, last bool, chunk []byte) error {
	idx := index & 0x7F
	if last {
		idx |= 0x80
	}
	params := append([]byte{idx}, chunk...)
	ret, err := e.Submit(ctx, OpDownload, params)
	if err != nil {
		return err
	}
	if len(ret) < 2 {
		return fmt.Errorf("%w: short download response", ErrVerificationFailed)
	}
	if ret[1] != idx {
		return fmt.Errorf("%w: controller acknowledged fragment 0x%02X, sent 0x%02X",
			ErrVerificationFailed, ret[1], idx)
	}
	return nil
}
