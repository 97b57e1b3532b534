package firmware

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/bluecore/hci"
	"github.com/Alia5/bluecore/internal/hcitest"
	"github.com/Alia5/bluecore/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildEpatch assembles a minimal valid epatch container with one patch
// per given snippet, chip ids counting from 1.
func buildEpatch(version uint32, projectID byte, snippets ...[]byte) []byte {
	n := len(snippets)
	header := make([]byte, epatchHeaderLen)
	copy(header, epatchSignature)
	binary.LittleEndian.PutUint32(header[8:12], version)
	binary.LittleEndian.PutUint16(header[12:14], uint16(n))

	chipIDs := make([]byte, 2*n)
	lengths := make([]byte, 2*n)
	offsets := make([]byte, 4*n)

	body := make([]byte, 0)
	base := epatchHeaderLen + len(chipIDs) + len(lengths) + len(offsets)
	for i, snippet := range snippets {
		binary.LittleEndian.PutUint16(chipIDs[i*2:], uint16(i+1))
		binary.LittleEndian.PutUint16(lengths[i*2:], uint16(len(snippet)))
		binary.LittleEndian.PutUint32(offsets[i*4:], uint32(base+len(body)))
		body = append(body, snippet...)
	}

	out := append(header, chipIDs...)
	out = append(out, lengths...)
	out = append(out, offsets...)
	out = append(out, body...)
	// Extension section, read backwards from the trailing signature:
	// a project id entry, then a terminator.
	out = append(out, 0xFF, projectID, 0x01, 0x00)
	out = append(out, extensionSignature...)
	return out
}

func patchedSnippet(snippet []byte, version uint32) []byte {
	out := append([]byte(nil), snippet...)
	binary.LittleEndian.PutUint32(out[len(out)-4:], version)
	return out
}

func TestParseImage(t *testing.T) {
	s1 := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s2 := []byte{9, 10, 11, 12, 13}
	data := buildEpatch(0xDEADBEEF, 0x2A, s1, s2)

	img, err := ParseImage(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), img.Version)
	assert.Equal(t, 0x2A, img.ProjectID)

	p1, err := img.PatchFor(0)
	require.NoError(t, err)
	assert.Equal(t, patchedSnippet(s1, 0xDEADBEEF), p1)

	p2, err := img.PatchFor(1)
	require.NoError(t, err)
	assert.Equal(t, patchedSnippet(s2, 0xDEADBEEF), p2)

	_, err = img.PatchFor(9)
	assert.ErrorIs(t, err, ErrFirmwareMissing)
}

func TestParseImageBadSignatures(t *testing.T) {
	good := buildEpatch(1, 0, []byte{1, 2, 3, 4})

	bad := append([]byte(nil), good...)
	bad[0] = 'X'
	_, err := ParseImage(bad)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	bad = append([]byte(nil), good...)
	bad[len(bad)-1] = 0x00
	_, err = ParseImage(bad)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = ParseImage([]byte("short"))
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestStoreIndexOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	index := `profiles:
  - name: custom
    lmpSubversion: 0x8761
    hciRevision: 0x000B
    firmware: custom_fw.bin
    config: custom_config.bin
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte(index), 0o644))

	s, err := NewStore(dir, testLogger())
	require.NoError(t, err)

	p, ok := s.profileFor(0x8761, 0x000B)
	require.True(t, ok)
	assert.Equal(t, "custom", p.Name)
	assert.Equal(t, "custom_fw.bin", p.Firmware)

	// Builtins still apply for chips the index does not mention.
	p, ok = s.profileFor(0x8723, 0x000B)
	require.True(t, ok)
	assert.Equal(t, "rtl8723b", p.Name)
}

func TestStoreMissingFile(t *testing.T) {
	s, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	_, err = s.read("rtl8761bu_fw.bin")
	assert.ErrorIs(t, err, ErrFirmwareMissing)
}

func realtekController(lmpSubversion, hciRevision uint16, romVersion uint8) *hcitest.Controller {
	ctrl := hcitest.New()
	ctrl.Respond(hci.OpReadLocalVersion, func([]byte) []transport.Frame {
		ret := make([]byte, 9)
		ret[0] = 0x00
		binary.LittleEndian.PutUint16(ret[2:4], hciRevision)
		binary.LittleEndian.PutUint16(ret[5:7], realtekManufacturer)
		binary.LittleEndian.PutUint16(ret[7:9], lmpSubversion)
		return []transport.Frame{hcitest.CommandComplete(hci.OpReadLocalVersion, ret...)}
	})
	// Once the end-marker fragment has landed the chip runs the patch and
	// reports a bumped version.
	patched := false
	ctrl.Respond(OpReadRomVersion, func([]byte) []transport.Frame {
		v := romVersion
		if patched {
			v = romVersion + 1
		}
		return []transport.Frame{hcitest.CommandComplete(OpReadRomVersion, 0x00, v)}
	})
	ctrl.Respond(OpDownload, func(params []byte) []transport.Frame {
		if params[0]&0x80 != 0 {
			patched = true
		}
		return []transport.Frame{hcitest.CommandComplete(OpDownload, 0x00, params[0])}
	})
	return ctrl
}

func TestLoaderUploadsInOrder(t *testing.T) {
	snippet := make([]byte, 300)
	for i := range snippet {
		snippet[i] = byte(i)
	}
	image := buildEpatch(0x01020304, 0x01, snippet)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rtl8761bu_fw.bin"), image, 0o644))

	store, err := NewStore(dir, testLogger())
	require.NoError(t, err)
	loader := NewRealtekLoader(store, testLogger())

	ctrl := realtekController(0x8761, 0x000B, 0)
	e := hci.NewEngine(ctrl, testLogger())
	defer e.Close()

	loaded, err := loader.TryLoadFirmware(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, loaded)

	var downloads []hci.Command
	for _, c := range ctrl.Commands() {
		if c.Opcode == OpDownload {
			downloads = append(downloads, c)
		}
	}
	require.Len(t, downloads, 2)
	assert.Equal(t, byte(0x00), downloads[0].Params[0])
	assert.Equal(t, byte(0x81), downloads[1].Params[0], "final fragment carries the end marker")

	sent := append(append([]byte(nil), downloads[0].Params[1:]...), downloads[1].Params[1:]...)
	assert.Equal(t, patchedSnippet(snippet, 0x01020304), sent)

	// The ROM version is read once to pick the patch and once more after
	// the download to confirm the patch took effect.
	reads := 0
	for _, c := range ctrl.Commands() {
		if c.Opcode == OpReadRomVersion {
			reads++
		}
	}
	assert.Equal(t, 2, reads)
}

func TestLoaderRejectsInactivePatch(t *testing.T) {
	snippet := make([]byte, 40)
	image := buildEpatch(9, 0x01, snippet)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rtl8761bu_fw.bin"), image, 0o644))
	store, err := NewStore(dir, testLogger())
	require.NoError(t, err)
	loader := NewRealtekLoader(store, testLogger())

	ctrl := realtekController(0x8761, 0x000B, 0)
	// The chip keeps reporting the bare ROM version after the download.
	ctrl.Respond(OpReadRomVersion, func([]byte) []transport.Frame {
		return []transport.Frame{hcitest.CommandComplete(OpReadRomVersion, 0x00, 0)}
	})
	e := hci.NewEngine(ctrl, testLogger())
	defer e.Close()

	_, err = loader.TryLoadFirmware(context.Background(), e)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestLoaderStopsOnFragmentFailure(t *testing.T) {
	snippet := make([]byte, 300)
	image := buildEpatch(7, 0x01, snippet)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rtl8761bu_fw.bin"), image, 0o644))
	store, err := NewStore(dir, testLogger())
	require.NoError(t, err)
	loader := NewRealtekLoader(store, testLogger())

	ctrl := realtekController(0x8761, 0x000B, 0)
	ctrl.Respond(OpDownload, func([]byte) []transport.Frame {
		return []transport.Frame{hcitest.CommandComplete(OpDownload, 0x0C)}
	})
	e := hci.NewEngine(ctrl, testLogger())
	defer e.Close()

	_, err = loader.TryLoadFirmware(context.Background(), e)
	require.Error(t, err)

	downloads := 0
	for _, c := range ctrl.Commands() {
		if c.Opcode == OpDownload {
			downloads++
		}
	}
	assert.Equal(t, 1, downloads, "no further fragments after a failure")
}

func TestLoaderSkipsOtherVendors(t *testing.T) {
	ctrl := hcitest.New()
	ctrl.Respond(hci.OpReadLocalVersion, func([]byte) []transport.Frame {
		ret := make([]byte, 9)
		binary.LittleEndian.PutUint16(ret[5:7], 0x000F) // not Realtek
		return []transport.Frame{hcitest.CommandComplete(hci.OpReadLocalVersion, ret...)}
	})
	e := hci.NewEngine(ctrl, testLogger())
	defer e.Close()

	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	loader := NewRealtekLoader(store, testLogger())

	loaded, err := loader.TryLoadFirmware(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, loaded)
	for _, c := range ctrl.Commands() {
		assert.NotEqual(t, uint16(hci.OgfVendor), c.Opcode.Group())
	}
}

func TestLoaderMissingFirmwareFile(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	loader := NewRealtekLoader(store, testLogger())

	ctrl := realtekController(0x8761, 0x000B, 0)
	e := hci.NewEngine(ctrl, testLogger())
	defer e.Close()

	_, err = loader.TryLoadFirmware(context.Background(), e)
	assert.ErrorIs(t, err, ErrFirmwareMissing)
}
