// Package cmd defines the command line interface and wires the stack
// layers together for each command.
package cmd

import (
	"context"
	"log/slog"
)

// CLI is the root command tree. Flag values can also come from config
// files; see the config candidates in configpaths.
type CLI struct {
	ConfigPath string `name:"config" help:"Path to a config file (json, yaml or toml)." type:"path"`

	Log      LogConfig      `embed:"" prefix:"log."`
	Snoop    string         `help:"Write a btsnoop capture of all controller traffic to this file." type:"path"`
	Device   DeviceConfig   `embed:"" prefix:"device."`
	Firmware FirmwareConfig `embed:"" prefix:"firmware."`
	Data     DataConfig     `embed:"" prefix:"data."`

	Run        RunCmd        `cmd:"" default:"withargs" help:"Bring the controller up and serve inbound connections."`
	Inquiry    InquiryCmd    `cmd:"" help:"Discover nearby devices."`
	Connect    ConnectCmd    `cmd:"" help:"Connect to a device and open a channel."`
	Devices    DevicesCmd    `cmd:"" help:"List available Bluetooth controllers."`
	ShowConfig ShowConfigCmd `cmd:"" name:"config" help:"Print the effective configuration."`
}

type LogConfig struct {
	Level string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	File  string `help:"Also write logs to this file." type:"path"`
}

// DeviceConfig narrows which USB controller is claimed. Everything unset
// means the first Bluetooth controller found.
type DeviceConfig struct {
	ID      string `help:"Select by USB id, e.g. 0bda:8771."`
	Bus     int    `help:"Select by USB bus number."`
	Address int    `help:"Select by USB device address."`
}

type FirmwareConfig struct {
	Dir string `help:"Directory with vendor firmware files. Defaults to <config dir>/firmware." type:"path"`
}

type DataConfig struct {
	Dir string `help:"Directory for runtime state such as link keys. Defaults to the platform data dir." type:"path"`
}

// RunContext is bound into kong and handed to every command.
type RunContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	CLI    *CLI
}
