//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Alia5/bluecore/snoop"
)

const usbDevRoot = "/dev/bus/usb"

// Wireless controller / RF / Bluetooth programming interface.
const (
	btInterfaceClass    = 0xE0
	btInterfaceSubClass = 0x01
	btInterfaceProtocol = 0x01
)

// usbdevfs ioctl requests, 64-bit layout.
const (
	usbdevfsControl         = 0xc0185500
	usbdevfsBulk            = 0xc0185502
	usbdevfsClaimInterface  = 0x8004550f
	usbdevfsReleaseIface    = 0x80045510
	usbdevfsDisconnectClaim = 0x8108551b
)

type usbdevfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

type usbdevfsBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     unsafe.Pointer
}

type usbdevfsDisconnectClaimArg struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

// btEndpoints is the endpoint triple of a Bluetooth programming interface.
type btEndpoints struct {
	iface    uint32
	eventIn  uint8
	aclIn    uint8
	aclOut   uint8
	complete bool
}

// ListDevices enumerates /dev/bus/usb for devices exposing a Bluetooth
// programming interface with the full endpoint triple.
func ListDevices() ([]DeviceInfo, error) {
	buses, err := os.ReadDir(usbDevRoot)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s: %w", usbDevRoot, err)
	}
	var out []DeviceInfo
	for _, bus := range buses {
		busNum := parseNum(bus.Name())
		if busNum < 0 {
			continue
		}
		devs, err := os.ReadDir(filepath.Join(usbDevRoot, bus.Name()))
		if err != nil {
			continue
		}
		for _, dev := range devs {
			devNum := parseNum(dev.Name())
			if devNum < 0 {
				continue
			}
			path := filepath.Join(usbDevRoot, bus.Name(), dev.Name())
			info, eps, err := probeDevice(path)
			if err != nil || !eps.complete {
				continue
			}
			info.Bus = busNum
			info.Address = devNum
			out = append(out, info)
		}
	}
	return out, nil
}

func parseNum(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	if len(s) == 0 {
		return -1
	}
	return n
}

// probeDevice reads the descriptors usbfs prepends to the device node and
// looks for the Bluetooth interface and its endpoints.
func probeDevice(path string) (DeviceInfo, btEndpoints, error) {
	f, err := os.Open(path)
	if err != nil {
		return DeviceInfo{}, btEndpoints{}, err
	}
	defer f.Close()

	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil || n < 18 {
		return DeviceInfo{}, btEndpoints{}, fmt.Errorf("reading descriptors from %s: %w", path, err)
	}
	buf = buf[:n]

	info := DeviceInfo{
		Path:      path,
		VendorID:  binary.LittleEndian.Uint16(buf[8:10]),
		ProductID: binary.LittleEndian.Uint16(buf[10:12]),
	}
	return info, findBtEndpoints(buf[18:]), nil
}

// findBtEndpoints walks the concatenated configuration descriptors. Only
// alternate setting 0 of the first Bluetooth interface is considered; the
// isochronous alternates carry SCO audio, which this stack does not claim.
func findBtEndpoints(desc []byte) btEndpoints {
	var eps btEndpoints
	inBtInterface := false
	for len(desc) >= 2 {
		dLen, dType := int(desc[0]), desc[1]
		if dLen < 2 || dLen > len(desc) {
			break
		}
		switch dType {
		case 0x04: // interface
			if dLen >= 9 {
				number := uint32(desc[2])
				alt := desc[3]
				class, sub, proto := desc[5], desc[6], desc[7]
				inBtInterface = alt == 0 &&
					class == btInterfaceClass && sub == btInterfaceSubClass && proto == btInterfaceProtocol &&
					!eps.complete
				if inBtInterface {
					eps.iface = number
				}
			} else {
				inBtInterface = false
			}
		case 0x05: // endpoint
			if inBtInterface && dLen >= 7 {
				addr := desc[2]
				attrs := desc[3] & 0x03
				switch {
				case attrs == 0x03 && addr&0x80 != 0:
					eps.eventIn = addr
				case attrs == 0x02 && addr&0x80 != 0:
					eps.aclIn = addr
				case attrs == 0x02 && addr&0x80 == 0:
					eps.aclOut = addr
				}
				if eps.eventIn != 0 && eps.aclIn != 0 && eps.aclOut != 0 {
					eps.complete = true
				}
			}
		}
		desc = desc[dLen:]
	}
	return eps
}

type usbTransport struct {
	fd   int
	eps  btEndpoints
	info DeviceInfo

	frames  chan Frame
	closed  chan struct{}
	capture *snoop.Writer
	log     *slog.Logger

	sendMu sync.Mutex

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Claim finds the first device matching sel, detaches any kernel driver
// from its Bluetooth interface and claims it for exclusive use. Inbound
// traffic starts flowing on Frames immediately.
func Claim(sel Selector, capture *snoop.Writer, logger *slog.Logger) (Transport, error) {
	devices, err := ListDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	for _, info := range devices {
		if !sel.matches(info) {
			continue
		}
		t, err := claimDevice(info, capture, logger)
		if err != nil {
			logger.Warn("skipping device", "device", info.String(), "error", err)
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: no matching Bluetooth controller", ErrDeviceUnavailable)
}

func claimDevice(info DeviceInfo, capture *snoop.Writer, logger *slog.Logger) (*usbTransport, error) {
	fd, err := unix.Open(info.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", info.Path, err)
	}
	_, eps, err := probeDevice(info.Path)
	if err != nil || !eps.complete {
		unix.Close(fd)
		return nil, fmt.Errorf("no Bluetooth interface on %s", info.Path)
	}

	// Kick btusb (or whatever else holds the interface) off the device and
	// claim it in one step. Plain claim is the fallback for kernels without
	// DISCONNECT_CLAIM.
	dc := usbdevfsDisconnectClaimArg{Interface: eps.iface}
	if err := ioctl(fd, usbdevfsDisconnectClaim, unsafe.Pointer(&dc)); err != nil {
		iface := eps.iface
		if err := ioctl(fd, usbdevfsClaimInterface, unsafe.Pointer(&iface)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("claiming interface %d: %w", eps.iface, err)
		}
	}

	t := &usbTransport{
		fd:      fd,
		eps:     eps,
		info:    info,
		frames:  make(chan Frame, 32),
		closed:  make(chan struct{}),
		capture: capture,
		log:     logger.With("device", info.String()),
	}
	t.log.Debug("claimed controller",
		"interface", eps.iface,
		"eventIn", fmt.Sprintf("0x%02x", eps.eventIn),
		"aclIn", fmt.Sprintf("0x%02x", eps.aclIn),
		"aclOut", fmt.Sprintf("0x%02x", eps.aclOut))

	var readers sync.WaitGroup
	readers.Add(2)
	go t.readLoop(&readers, eps.eventIn, FrameEvent, 260)
	go t.readLoop(&readers, eps.aclIn, FrameACL, 2048)
	go func() {
		readers.Wait()
		close(t.frames)
	}()
	return t, nil
}

func (t *usbTransport) Frames() <-chan Frame { return t.frames }

func (t *usbTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *usbTransport) Send(f Frame) error {
	select {
	case <-t.closed:
		if err := t.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: transport closed", ErrTransportLost)
	default:
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	var err error
	switch f.Type {
	case FrameCommand:
		err = t.sendControl(f.Data)
	case FrameACL:
		err = t.sendBulk(t.eps.aclOut, f.Data)
	case FrameSCO:
		return fmt.Errorf("SCO transmit not supported: no isochronous endpoint claimed")
	default:
		return fmt.Errorf("cannot send %s frames to the controller", f.Type)
	}
	if err != nil {
		t.fail(fmt.Errorf("%w: sending %s frame: %v", ErrTransportLost, f.Type, err))
		return t.Err()
	}
	t.capture.Record(capturePacketType(f.Type, false), f.Data)
	return nil
}

// sendControl pushes one HCI command over EP0 using the class-specific
// host-to-device request defined for Bluetooth controllers.
func (t *usbTransport) sendControl(data []byte) error {
	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}
	ct := usbdevfsCtrlTransfer{
		RequestType: 0x21, // host to device, class, interface
		Request:     0,
		Value:       0,
		Index:       uint16(t.eps.iface),
		Length:      uint16(len(data)),
		Timeout:     1000,
		Data:        p,
	}
	return ioctl(t.fd, usbdevfsControl, unsafe.Pointer(&ct))
}

func (t *usbTransport) sendBulk(ep uint8, data []byte) error {
	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}
	bt := usbdevfsBulkTransfer{
		Endpoint: uint32(ep),
		Length:   uint32(len(data)),
		Timeout:  1000,
		Data:     p,
	}
	return ioctl(t.fd, usbdevfsBulk, unsafe.Pointer(&bt))
}

// readLoop pulls complete frames off one in-endpoint. Bulk and interrupt
// endpoints both go through the bulk ioctl; a short timeout keeps the loop
// responsive to Close without leaving the fd blocked in the kernel.
func (t *usbTransport) readLoop(wg *sync.WaitGroup, ep uint8, kind FrameType, bufSize int) {
	defer wg.Done()
	buf := make([]byte, bufSize)
	for {
		select {
		case <-t.closed:
			return
		default:
		}
		bt := usbdevfsBulkTransfer{
			Endpoint: uint32(ep),
			Length:   uint32(len(buf)),
			Timeout:  250,
			Data:     unsafe.Pointer(&buf[0]),
		}
		n, err := ioctlRet(t.fd, usbdevfsBulk, unsafe.Pointer(&bt))
		if err != nil {
			if err == unix.ETIMEDOUT {
				continue
			}
			select {
			case <-t.closed:
			default:
				t.fail(fmt.Errorf("%w: reading %s endpoint: %v", ErrTransportLost, kind, err))
			}
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.capture.Record(capturePacketType(kind, true), data)
		select {
		case t.frames <- Frame{Type: kind, Data: data}:
		case <-t.closed:
			return
		}
	}
}

// fail records the first error and tears the transport down.
func (t *usbTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
		t.log.Error("transport lost", "error", err)
	}
	t.mu.Unlock()
	t.shutdown()
}

func (t *usbTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *usbTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		iface := t.eps.iface
		_ = ioctl(t.fd, usbdevfsReleaseIface, unsafe.Pointer(&iface))
		_ = unix.Close(t.fd)
	})
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, err := ioctlRet(fd, req, arg)
	return err
}

func ioctlRet(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
