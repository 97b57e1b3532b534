// Package firmware uploads vendor patch firmware to controllers that boot
// from a minimal ROM. Currently the Realtek epatch download protocol is
// implemented; other vendors report themselves as not needing an upload.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/bluecore/hci"
)

var (
	// ErrFirmwareMissing is returned when the controller needs a patch
	// that the store cannot provide.
	ErrFirmwareMissing = errors.New("firmware: firmware file missing")

	// ErrVerificationFailed is returned when the firmware image or the
	// controller's acknowledgements are inconsistent.
	ErrVerificationFailed = errors.New("firmware: verification failed")
)

const realtekManufacturer = 0x005D

// RealtekLoader implements the firmware upload for Realtek controllers.
type RealtekLoader struct {
	store *Store
	log   *slog.Logger
}

func NewRealtekLoader(store *Store, logger *slog.Logger) *RealtekLoader {
	return &RealtekLoader{store: store, log: logger}
}

// TryLoadFirmware probes the controller and uploads its patch if it is a
// known Realtek chip. Non-Realtek controllers and Realtek chips without a
// profile are reported as not needing an upload.
func (l *RealtekLoader) TryLoadFirmware(ctx context.Context, e *hci.Engine) (bool, error) {
	version, err := e.ReadLocalVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("probing controller: %w", err)
	}
	if version.Manufacturer != realtekManufacturer {
		return false, nil
	}

	// Some chips report their identity through vendor registers instead
	// of the standard version fields.
	lmpSubversion := version.LMPSubversion
	hciRevision := version.HCIRevision
	if lmpSubversion == 0x8822 {
		if sub, err := readReg16(ctx, e, regChipSubversion); err == nil {
			lmpSubversion = sub
		}
		if rev, err := readReg16(ctx, e, regChipRevision); err == nil {
			hciRevision = rev
		}
	}

	profile, ok := l.store.profileFor(lmpSubversion, hciRevision)
	if !ok {
		l.log.Warn("unrecognized Realtek controller, skipping firmware upload",
			"lmpSubversion", fmt.Sprintf("0x%04X", lmpSubversion),
			"hciRevision", fmt.Sprintf("0x%04X", hciRevision))
		return false, nil
	}
	l.log.Info("uploading firmware", "chip", profile.Name)

	romVersion, err := readRomVersion(ctx, e)
	if err != nil {
		return false, fmt.Errorf("reading ROM version: %w", err)
	}

	raw, err := l.store.read(profile.Firmware)
	if err != nil {
		return false, err
	}
	img, err := ParseImage(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", profile.Firmware, err)
	}
	patch, err := img.PatchFor(romVersion)
	if err != nil {
		return false, fmt.Errorf("selecting patch from %s: %w", profile.Firmware, err)
	}

	// The board config is appended to the patch and travels in the same
	// download stream. Its absence is not fatal.
	if profile.Config != "" {
		config, err := l.store.read(profile.Config)
		switch {
		case err == nil:
			patch = append(patch, config...)
		case errors.Is(err, ErrFirmwareMissing):
			l.log.Debug("no board config for chip", "chip", profile.Name)
		default:
			return false, err
		}
	}

	if err := l.download(ctx, e, patch); err != nil {
		return false, err
	}
	if err := l.verifyPatchActive(ctx, e, romVersion); err != nil {
		return false, err
	}
	l.log.Info("firmware upload complete", "chip", profile.Name, "bytes", len(patch))
	return true, nil
}

// verifyPatchActive re-reads the ROM version after the download. A chip
// running the patch reports a different version than the bare ROM did;
// an unchanged reading means the upload never took effect.
func (l *RealtekLoader) verifyPatchActive(ctx context.Context, e *hci.Engine, before uint8) error {
	after, err := readRomVersion(ctx, e)
	if err != nil {
		return fmt.Errorf("verifying firmware: %w", err)
	}
	if after == before {
		return fmt.Errorf("%w: controller still reports ROM version %d after download",
			ErrVerificationFailed, before)
	}
	l.log.Debug("patched firmware active", "romVersion", after)
	return nil
}

// download streams the patch in fragments, strictly in order: a fragment
// is only sent once the previous one has been acknowledged.
func (l *RealtekLoader) download(ctx context.Context, e *hci.Engine, patch []byte) error {
	total := (len(patch) + maxFragmentLen - 1) / maxFragmentLen
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * maxFragmentLen
		end := start + maxFragmentLen
		if end > len(patch) {
			end = len(patch)
		}
		last := i == total-1
		if err := downloadFragment(ctx, e, uint8(i), last, patch[start:end]); err != nil {
			return fmt.Errorf("downloading fragment %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}
