package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// epatch container layout: an 8-byte signature, a 4-byte firmware
// version, a patch count and then three parallel tables (chip id, patch
// length, patch offset). The file ends with an extension section walked
// backwards from a trailing signature.
var (
	epatchSignature    = []byte{0x52, 0x65, 0x61, 0x6C, 0x74, 0x65, 0x63, 0x68} // "Realtech"
	extensionSignature = []byte{0x51, 0x04, 0xFD, 0x77}
)

const epatchHeaderLen = 14

// Image is a parsed vendor firmware container.
type Image struct {
	Version   uint32
	ProjectID int
	patches   []patchEntry
	raw       []byte
}

type patchEntry struct {
	chipID uint16
	length uint16
	offset uint32
}

// ParseImage validates both signatures and decodes the patch tables and
// the extension section.
func ParseImage(data []byte) (*Image, error) {
	if len(data) < epatchHeaderLen+len(extensionSignature) {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrVerificationFailed, len(data))
	}
	if !bytes.Equal(data[:8], epatchSignature) {
		return nil, fmt.Errorf("%w: bad epatch signature", ErrVerificationFailed)
	}
	if !bytes.Equal(data[len(data)-4:], extensionSignature) {
		return nil, fmt.Errorf("%w: bad extension signature", ErrVerificationFailed)
	}

	img := &Image{
		Version:   binary.LittleEndian.Uint32(data[8:12]),
		ProjectID: -1,
		raw:       data,
	}

	n := int(binary.LittleEndian.Uint16(data[12:14]))
	tables := epatchHeaderLen + n*8
	if n == 0 || len(data) < tables {
		return nil, fmt.Errorf("%w: truncated patch tables (%d entries)", ErrVerificationFailed, n)
	}
	for i := 0; i < n; i++ {
		img.patches = append(img.patches, patchEntry{
			chipID: binary.LittleEndian.Uint16(data[epatchHeaderLen+i*2:]),
			length: binary.LittleEndian.Uint16(data[epatchHeaderLen+n*2+i*2:]),
			offset: binary.LittleEndian.Uint32(data[epatchHeaderLen+n*4+i*4:]),
		})
	}

	// Extension entries are {opcode, length, data} records laid out so
	// the section is read backwards from the trailing signature. Opcode
	// 0x00 carries the project id; 0xFF terminates.
	pos := len(data) - len(extensionSignature)
	for pos > tables {
		opcode := data[pos-1]
		if opcode == 0xFF {
			break
		}
		if pos < 2 {
			break
		}
		length := int(data[pos-2])
		if length == 0 || pos-2-length < 0 {
			return nil, fmt.Errorf("%w: malformed extension entry", ErrVerificationFailed)
		}
		if opcode == 0x00 {
			img.ProjectID = int(data[pos-3])
		}
		pos -= 2 + length
	}

	return img, nil
}

// PatchFor extracts the patch snippet for a ROM version. Chip ids in the
// table are one-based ROM versions. The snippet's trailing 4 bytes are
// replaced with the image version, which the controller echoes back after
// booting the patch.
func (img *Image) PatchFor(romVersion uint8) ([]byte, error) {
	want := uint16(romVersion) + 1
	for _, p := range img.patches {
		if p.chipID != want {
			continue
		}
		end := int(p.offset) + int(p.length)
		if p.length < 4 || end > len(img.raw) {
			return nil, fmt.Errorf("%w: patch entry out of bounds", ErrVerificationFailed)
		}
		snippet := make([]byte, p.length)
		copy(snippet, img.raw[p.offset:end])
		binary.LittleEndian.PutUint32(snippet[len(snippet)-4:], img.Version)
		return snippet, nil
	}
	return nil, fmt.Errorf("%w: no patch for ROM version %d", ErrFirmwareMissing, romVersion)
}
