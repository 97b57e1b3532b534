package cmd

import (
	"fmt"

	"github.com/Alia5/bluecore/transport"
)

// DevicesCmd lists the Bluetooth controllers visible on the USB bus.
type DevicesCmd struct{}

func (c *DevicesCmd) Run(rc *RunContext) error {
	devices, err := transport.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no Bluetooth controllers found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s  %s\n", d, d.Path)
	}
	return nil
}
