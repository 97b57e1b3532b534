package cmd

import (
	"context"
	"fmt"

	"github.com/Alia5/bluecore/connection"
	"github.com/Alia5/bluecore/hci"
	"github.com/Alia5/bluecore/l2cap"
)

// RunCmd brings the stack up and serves until interrupted: inbound
// connections are accepted and channels on the listed PSMs are echoed.
type RunCmd struct {
	Name         string   `help:"Friendly device name to advertise." default:"bluecore"`
	Discoverable bool     `help:"Respond to inquiries from other devices." default:"true" negatable:""`
	Psm          []uint16 `help:"PSMs to accept channels on." default:"4097"`
}

func (c *RunCmd) Run(rc *RunContext) error {
	s, err := openSession(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.engine.WriteLocalName(rc.Ctx, c.Name); err != nil {
		return fmt.Errorf("setting device name: %w", err)
	}
	scan := uint8(hci.ScanPageOnly)
	if c.Discoverable {
		scan = hci.ScanBoth
	}
	if err := s.engine.WriteScanEnable(rc.Ctx, scan); err != nil {
		return fmt.Errorf("enabling scans: %w", err)
	}

	for _, psm := range c.Psm {
		psm := psm
		err := s.mux.RegisterServer(psm, func(ch *l2cap.Channel) {
			s.log.Info("channel accepted",
				"psm", fmt.Sprintf("0x%04X", psm),
				"handle", ch.Handle.String(),
				"mtu", ch.MTU())
			echoChannel(rc.Ctx, s, ch)
		})
		if err != nil {
			return err
		}
		s.log.Info("serving PSM", "psm", fmt.Sprintf("0x%04X", psm))
	}

	events, cancel := s.manager.Subscribe()
	defer cancel()

	s.log.Info("stack running", "address", s.info.Addr.String(), "name", c.Name)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return s.engine.Err()
			}
			logLinkEvent(s, evt)
		case <-rc.Ctx.Done():
			return nil
		}
	}
}

func logLinkEvent(s *session, evt connection.Event) {
	switch evt.Type {
	case connection.EventConnected:
		s.log.Info("peer connected", "peer", evt.Conn.Addr.String(), "handle", evt.Conn.Handle.String())
	case connection.EventDisconnected:
		s.log.Info("peer disconnected", "peer", evt.Conn.Addr.String(), "reason", evt.Reason.String())
	}
}

// echoChannel reflects every PDU back to the sender until the channel
// closes.
func echoChannel(ctx context.Context, s *session, ch *l2cap.Channel) {
	for {
		pdu, err := ch.Read(ctx)
		if err != nil {
			if cerr := ch.Err(); cerr != nil {
				s.log.Info("channel closed", "cid", ch.LocalCID(), "error", cerr)
			}
			return
		}
		if err := ch.Write(ctx, pdu); err != nil {
			s.log.Warn("echo write failed", "cid", ch.LocalCID(), "error", err)
			return
		}
	}
}
