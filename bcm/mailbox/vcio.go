package mailbox

import (
	"os"
	"runtime"
	"unsafe"

	perrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/piscope/bcm"
)

// VCIOPath is the firmware character device exposed by the vcio driver
const VCIOPath = "/dev/vcio"

// ioctlProperty is _IOWR(100, 0, char *); the size field is the pointer size
const ioctlProperty = uintptr(3<<30|100<<8) | unsafe.Sizeof(uintptr(0))<<16

// VCIO carries messages through the kernel's vcio driver, which copies the
// message, performs the FIFO handshake and copies the response back
type VCIO struct {
	f *os.File
}

// OpenVCIO opens the vcio device.  An empty path means VCIOPath.
func OpenVCIO(path string) (*VCIO, error) {
	if path == "" {
		path = VCIOPath
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, perrors.Wrapf(bcm.ErrPermission, "opening %s: %v", path, err)
	}
	return &VCIO{f: f}, nil
}

// Xfer sends msg with the property ioctl
func (v *VCIO) Xfer(msg []uint32) error {
	if len(msg) == 0 {
		return perrors.Wrap(bcm.ErrProtocol, "empty message")
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, v.f.Fd(), ioctlProperty, uintptr(unsafe.Pointer(&msg[0])))
	runtime.KeepAlive(msg)
	if errno != 0 {
		return perrors.Wrapf(bcm.ErrProtocol, "vcio property ioctl: %v", errno)
	}
	return nil
}

// Close closes the device
func (v *VCIO) Close() error {
	return v.f.Close()
}
