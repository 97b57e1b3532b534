package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Alia5/bluecore/connection"
	"github.com/Alia5/bluecore/firmware"
	"github.com/Alia5/bluecore/hci"
	"github.com/Alia5/bluecore/internal/configpaths"
	"github.com/Alia5/bluecore/l2cap"
	"github.com/Alia5/bluecore/snoop"
	"github.com/Alia5/bluecore/transport"
)

// session is one fully brought-up stack on one controller.
type session struct {
	capture *snoop.Writer
	engine  *hci.Engine
	manager *connection.Manager
	mux     *l2cap.Mux
	info    hci.ControllerInfo
	log     *slog.Logger
}

// openSession claims the controller, runs bringup (including vendor
// firmware if needed) and starts the connection and channel layers.
func openSession(rc *RunContext) (*session, error) {
	sel, err := parseSelector(rc.CLI.Device)
	if err != nil {
		return nil, err
	}

	var capture *snoop.Writer
	if rc.CLI.Snoop != "" {
		if err := configpaths.EnsureDir(rc.CLI.Snoop); err != nil {
			return nil, fmt.Errorf("creating snoop directory: %w", err)
		}
		f, err := os.Create(rc.CLI.Snoop)
		if err != nil {
			return nil, fmt.Errorf("creating snoop file: %w", err)
		}
		capture = snoop.New(f)
		rc.Logger.Info("capturing controller traffic", "file", rc.CLI.Snoop)
	}

	tr, err := transport.Claim(sel, capture, rc.Logger)
	if err != nil {
		_ = capture.Close()
		return nil, err
	}
	engine := hci.NewEngine(tr, rc.Logger)

	fwDir := rc.CLI.Firmware.Dir
	if fwDir == "" {
		if configDir, err := configpaths.DefaultConfigDir(); err == nil {
			fwDir = filepath.Join(configDir, "firmware")
		}
	}
	store, err := firmware.NewStore(fwDir, rc.Logger)
	if err != nil {
		_ = engine.Close()
		_ = capture.Close()
		return nil, err
	}
	loader := firmware.NewRealtekLoader(store, rc.Logger)

	info, err := engine.Bringup(rc.Ctx, loader)
	if err != nil {
		_ = engine.Close()
		_ = capture.Close()
		return nil, fmt.Errorf("controller bringup: %w", err)
	}

	dataDir := rc.CLI.Data.Dir
	if dataDir == "" {
		dataDir, err = configpaths.DefaultDataDir()
		if err != nil {
			_ = engine.Close()
			_ = capture.Close()
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
	}
	keys, err := connection.NewKeyStore(dataDir)
	if err != nil {
		_ = engine.Close()
		_ = capture.Close()
		return nil, err
	}

	return &session{
		capture: capture,
		engine:  engine,
		manager: connection.NewManager(engine, keys, rc.Logger),
		mux:     l2cap.NewMux(engine, rc.Logger),
		info:    info,
		log:     rc.Logger,
	}, nil
}

func (s *session) Close() {
	_ = s.mux.Close()
	_ = s.manager.Close()
	_ = s.engine.Close()
	_ = s.capture.Close()
}

func contextWithTimeout(rc *RunContext, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(rc.Ctx)
	}
	return context.WithTimeout(rc.Ctx, d)
}

func parseSelector(cfg DeviceConfig) (transport.Selector, error) {
	sel := transport.Selector{Bus: cfg.Bus, Address: cfg.Address}
	if cfg.ID == "" {
		return sel, nil
	}
	vid, pid, ok := strings.Cut(cfg.ID, ":")
	if !ok {
		return sel, fmt.Errorf("invalid device id %q: want vid:pid", cfg.ID)
	}
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return sel, fmt.Errorf("invalid vendor id %q: %w", vid, err)
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return sel, fmt.Errorf("invalid product id %q: %w", pid, err)
	}
	sel.VendorID = uint16(v)
	sel.ProductID = uint16(p)
	return sel, nil
}
