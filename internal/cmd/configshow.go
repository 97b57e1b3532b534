package cmd

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"
)

// ShowConfigCmd renders the effective configuration, after config files
// and flags have been merged, as TOML suitable for a config file.
type ShowConfigCmd struct{}

type renderedConfig struct {
	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file,omitempty"`
	} `toml:"log"`
	Snoop  string `toml:"snoop,omitempty"`
	Device struct {
		ID      string `toml:"id,omitempty"`
		Bus     int    `toml:"bus,omitempty"`
		Address int    `toml:"address,omitempty"`
	} `toml:"device"`
	Firmware struct {
		Dir string `toml:"dir,omitempty"`
	} `toml:"firmware"`
	Data struct {
		Dir string `toml:"dir,omitempty"`
	} `toml:"data"`
}

func (c *ShowConfigCmd) Run(rc *RunContext) error {
	var out renderedConfig
	out.Log.Level = rc.CLI.Log.Level
	out.Log.File = rc.CLI.Log.File
	out.Snoop = rc.CLI.Snoop
	out.Device.ID = rc.CLI.Device.ID
	out.Device.Bus = rc.CLI.Device.Bus
	out.Device.Address = rc.CLI.Device.Address
	out.Firmware.Dir = rc.CLI.Firmware.Dir
	out.Data.Dir = rc.CLI.Data.Dir

	enc := toml.NewEncoder(os.Stdout)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}
