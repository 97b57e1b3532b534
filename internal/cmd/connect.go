package cmd

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Alia5/bluecore/hci"
)

// ConnectCmd pages a device, optionally authenticates and opens an L2CAP
// channel, then dumps everything the peer sends until interrupted.
type ConnectCmd struct {
	Address      string        `arg:"" help:"Device address, e.g. A0:B1:C2:D3:E4:F5."`
	Psm          uint16        `help:"PSM to open a channel on." default:"4097"`
	Authenticate bool          `help:"Authenticate the link before opening the channel."`
	Timeout      time.Duration `help:"Connection attempt timeout." default:"30s"`
}

func (c *ConnectCmd) Run(rc *RunContext) error {
	addr, err := hci.ParseBdAddr(c.Address)
	if err != nil {
		return err
	}
	s, err := openSession(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := contextWithTimeout(rc, c.Timeout)
	defer cancel()

	conn, err := s.manager.Connect(ctx, addr)
	if err != nil {
		return err
	}
	s.log.Info("link established", "peer", addr.String(), "handle", conn.Handle.String())

	if c.Authenticate {
		if err := s.manager.Authenticate(ctx, conn.Handle); err != nil {
			return err
		}
		s.log.Info("link authenticated", "peer", addr.String())
	}

	ch, err := s.mux.Open(ctx, conn.Handle, c.Psm)
	if err != nil {
		return err
	}
	s.log.Info("channel open", "psm", fmt.Sprintf("0x%04X", c.Psm), "mtu", ch.MTU())

	for {
		pdu, err := ch.Read(rc.Ctx)
		if err != nil {
			if rc.Ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(hex.Dump(pdu))
	}
}
