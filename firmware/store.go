package firmware

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// chipProfile maps controller identity to the firmware and config blobs
// it needs.
type chipProfile struct {
	Name          string `yaml:"name"`
	LMPSubversion uint16 `yaml:"lmpSubversion"`
	HCIRevision   uint16 `yaml:"hciRevision"`
	Firmware      string `yaml:"firmware"`
	Config        string `yaml:"config"`
}

// builtinProfiles covers the common Realtek USB dongles. An index.yaml in
// the firmware directory can extend or override this list.
var builtinProfiles = []chipProfile{
	{Name: "rtl8723b", LMPSubversion: 0x8723, HCIRevision: 0x000B, Firmware: "rtl8723b_fw.bin", Config: "rtl8723b_config.bin"},
	{Name: "rtl8761bu", LMPSubversion: 0x8761, HCIRevision: 0x000B, Firmware: "rtl8761bu_fw.bin", Config: "rtl8761bu_config.bin"},
	{Name: "rtl8821c", LMPSubversion: 0x8821, HCIRevision: 0x000C, Firmware: "rtl8821c_fw.bin", Config: "rtl8821c_config.bin"},
	{Name: "rtl8852au", LMPSubversion: 0x8852, HCIRevision: 0x000A, Firmware: "rtl8852au_fw.bin", Config: "rtl8852au_config.bin"},
	{Name: "rtl8852bu", LMPSubversion: 0x8852, HCIRevision: 0x000B, Firmware: "rtl8852bu_fw.bin", Config: "rtl8852bu_config.bin"},
}

type storeIndex struct {
	Profiles []chipProfile `yaml:"profiles"`
}

// Store resolves controller identities to firmware blobs in a directory.
type Store struct {
	dir      string
	profiles []chipProfile
	log      *slog.Logger
}

// NewStore reads the optional index.yaml in dir. User profiles take
// precedence over the builtin table.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{dir: dir, log: logger}
	data, err := os.ReadFile(filepath.Join(dir, "index.yaml"))
	switch {
	case err == nil:
		var idx storeIndex
		if err := yaml.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("parsing firmware index: %w", err)
		}
		s.profiles = append(s.profiles, idx.Profiles...)
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading firmware index: %w", err)
	}
	s.profiles = append(s.profiles, builtinProfiles...)
	return s, nil
}

func (s *Store) profileFor(lmpSubversion, hciRevision uint16) (chipProfile, bool) {
	for _, p := range s.profiles {
		if p.LMPSubversion == lmpSubversion && (p.HCIRevision == 0 || p.HCIRevision == hciRevision) {
			return p, true
		}
	}
	return chipProfile{}, false
}

func (s *Store) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s not found in %s", ErrFirmwareMissing, name, s.dir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}
