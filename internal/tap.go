//go:build linux && !baremetal

package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

const safamilyHW6 = 1

// Tap wraps a Linux TAP device: a virtual Ethernet interface delivering
// whole frames to userspace, with no link-layer framing added or stripped
// by the kernel (IFF_NO_PI).
type Tap struct {
	fd   int
	name string
}

// NewTap creates or attaches to TAP interface name and, if ip is valid,
// brings the interface up and assigns it that address via the `ip` CLI
// (there is no clean syscall-only equivalent to `ip addr add` without
// reimplementing rtnetlink).
func NewTap(name string, ip netip.Prefix) (*Tap, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("name too large")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun device: %w", err)
	}
	ifr := makeifreq(name)
	ifr.setflags(uint16(unix.IFF_TAP | unix.IFF_NO_PI))
	if err := ioctlPtr(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		return nil, fmt.Errorf("creating tap interface: %w", err)
	}
	if ip.IsValid() {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			return nil, fmt.Errorf("failed to set ip link: %w", err)
		}
		if err := exec.Command("ip", "addr", "add", ip.String(), "dev", name).Run(); err != nil {
			return nil, fmt.Errorf("failed to assign IP address: %w", err)
		}
	}
	return &Tap{fd: fd, name: name}, nil
}

func (tap *Tap) IPMask() (netip.Prefix, error) {
	sock, err := tap.getSock()
	if err != nil {
		return netip.Prefix{}, err
	}
	defer unix.Close(sock)
	return getSocketMask(sock, tap.name)
}

func (tap *Tap) Read(b []byte) (int, error)  { return unix.Read(tap.fd, b) }
func (tap *Tap) Write(b []byte) (int, error) { return unix.Write(tap.fd, b) }
func (tap *Tap) Close() error                { return unix.Close(tap.fd) }

func (tap *Tap) MTU() (int, error) {
	sock, err := tap.getSock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	return getSocketMTU(sock, tap.name)
}

func (tap *Tap) HardwareAddress6() (hw [6]byte, err error) {
	sock, err := tap.getSock()
	if err != nil {
		return hw, err
	}
	defer unix.Close(sock)
	return getSocketHW(sock, tap.name)
}

func (tap *Tap) getSock() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_IP)
	if err != nil {
		return 0, fmt.Errorf("tap socket open: %w", err)
	}
	return sock, nil
}

func getSocketMTU(sockfd int, ifaceName string) (int, error) {
	ifr := makeifreq(ifaceName)
	if err := ioctlPtr(sockfd, unix.SIOCGIFMTU, ifr.ptr()); err != nil {
		return 0, err
	}
	return int(*(*int32)(unsafe.Pointer(&ifr.Data[0]))), nil
}

func getSocketHW(sockfd int, ifaceName string) (hw [6]byte, err error) {
	ifr := makeifreq(ifaceName)
	if err := ioctlPtr(sockfd, unix.SIOCGIFHWADDR, ifr.ptr()); err != nil {
		return hw, err
	}
	safamily := *(*uint16)(unsafe.Pointer(&ifr.Data[0]))
	if safamily != safamilyHW6 {
		return hw, fmt.Errorf("expecting sa_family=1 got %d", safamily)
	}
	copy(hw[:], ifr.Data[2:])
	return hw, nil
}

func getSocketMask(sockfd int, ifaceName string) (netip.Prefix, error) {
	addrp, err := getSocketIP(sockfd, ifaceName)
	if err != nil {
		return netip.Prefix{}, err
	}
	ifr := makeifreq(ifaceName)
	if err := ioctlPtr(sockfd, unix.SIOCGIFNETMASK, ifr.ptr()); err != nil {
		return netip.Prefix{}, err
	}
	addr32 := binary.BigEndian.Uint32(ifr.Data[4:8])
	return netip.PrefixFrom(addrp.Addr(), bits.OnesCount32(addr32)), nil
}

func getSocketIP(sockfd int, ifaceName string) (addrp netip.AddrPort, err error) {
	ifr := makeifreq(ifaceName)
	if err := ioctlPtr(sockfd, unix.SIOCGIFADDR, ifr.ptr()); err != nil {
		return netip.AddrPort{}, err
	}
	safamily := *(*uint16)(unsafe.Pointer(&ifr.Data[0]))
	port := *(*uint16)(unsafe.Pointer(&ifr.Data[2]))
	if safamily != unix.AF_INET {
		return addrp, fmt.Errorf("unsupported IP addr sa_family=%d", safamily)
	}
	addr, _ := netip.AddrFromSlice(ifr.Data[4:8])
	return netip.AddrPortFrom(addr, port), nil
}

// ioctlPtr issues ioctls that need a raw pointer argument (the various
// SIOCGIF* calls, which fill the ifreq union rather than taking a scalar),
// something unix's typed IoctlGetInt/IoctlSetInt wrappers don't cover.
func ioctlPtr(fd int, request uint, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

func makeifreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.Name[:], name)
	return ifr
}

type ifreq struct {
	Name [unix.IFNAMSIZ]byte
	Data [64]byte
}

func (ifr *ifreq) setflags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&ifr.Data[0])) = flags
}

func (ifr *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(ifr) }
