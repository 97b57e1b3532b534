package cmd

import (
	"context"
	"fmt"
	"time"
)

// InquiryCmd discovers nearby devices and prints them.
type InquiryCmd struct {
	Duration time.Duration `help:"How long to scan." default:"8s"`
	Names    bool          `help:"Resolve device names (slower)."`
}

func (c *InquiryCmd) Run(rc *RunContext) error {
	s, err := openSession(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	s.log.Info("scanning for devices", "duration", c.Duration)
	results, err := s.manager.Inquire(rc.Ctx, c.Duration)
	if err != nil && len(results) == 0 {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, r := range results {
		line := fmt.Sprintf("%s  class 0x%06X", r.Addr, r.ClassOfDevice)
		if c.Names {
			nameCtx, cancel := context.WithTimeout(rc.Ctx, 10*time.Second)
			name, err := s.manager.RemoteName(nameCtx, r.Addr)
			cancel()
			if err == nil && name != "" {
				line += "  " + name
			}
		}
		fmt.Println(line)
	}
	return nil
}
