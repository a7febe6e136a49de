//go:build linux

package devices

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Номера ioctl V4L2 (_IOR/_IOWR('V', nr, size))
const (
	vidiocQueryCap           = 0x80685600
	vidiocEnumFmt            = 0xc0405602
	vidiocEnumFrameSizes     = 0xc02c564a
	vidiocEnumFrameIntervals = 0xc034564b

	v4l2CapVideoCapture = 0x00000001
	v4l2CapDeviceCaps   = 0x80000000
	v4l2BufTypeCapture  = 1

	v4l2FrmSizeDiscrete = 1
	v4l2FrmIvalDiscrete = 1
	maxEnumIterations   = 64
	defaultV4L2DevGlob  = "/dev/video*"
)

type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

// v4l2FrmSizeEnum union discrete/stepwise представлен шестью словами
type v4l2FrmSizeEnum struct {
	Index       uint32
	PixelFormat uint32
	Type        uint32
	Union       [6]uint32
	Reserved    [2]uint32
}

// v4l2FrmIvalEnum union discrete/stepwise представлен шестью словами
type v4l2FrmIvalEnum struct {
	Index       uint32
	PixelFormat uint32
	Width       uint32
	Height      uint32
	Type        uint32
	Union       [6]uint32
	Reserved    [2]uint32
}

// V4L2Backend современный способ перечисления камер через ioctl V4L2
// с полным набором возможностей
type V4L2Backend struct {
	// Glob шаблон узлов устройств, по умолчанию /dev/video*
	Glob string
}

func (b *V4L2Backend) glob() string {
	if b.Glob == "" {
		return defaultV4L2DevGlob
	}
	return b.Glob
}

func (b *V4L2Backend) Name() string { return "v4l2" }

func (b *V4L2Backend) Available() bool {
	nodes, err := filepath.Glob(b.glob())
	return err == nil && len(nodes) > 0
}

func (b *V4L2Backend) List(ctx context.Context) ([]Descriptor, error) {
	nodes, err := filepath.Glob(b.glob())
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)

	var out []Descriptor
	for _, path := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, ok, err := queryV4L2Node(path)
		if err != nil {
			// Узел занят или нет прав: пропускаем только его
			continue
		}
		if ok {
			d.Backend = b.Name()
			out = append(out, d)
		}
	}
	return out, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// queryV4L2Node читает возможности одного узла. ok=false для узлов без
// захвата видео (метаданные, выход).
func queryV4L2Node(path string) (Descriptor, bool, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return Descriptor{}, false, err
	}
	defer unix.Close(fd)

	var capb v4l2Capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&capb)); err != nil {
		return Descriptor{}, false, err
	}
	caps := capb.Capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = capb.DeviceCaps
	}
	if caps&v4l2CapVideoCapture == 0 {
		return Descriptor{}, false, nil
	}

	n, _ := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	d := Descriptor{
		ID:          path,
		Name:        cString(capb.Card[:]),
		NativeIndex: n,
		Kind:        KindVideo,
		Direction:   DirectionSource,
	}

	for i := uint32(0); i < maxEnumIterations; i++ {
		fmtd := v4l2FmtDesc{Index: i, Type: v4l2BufTypeCapture}
		if err := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&fmtd)); err != nil {
			break
		}
		if pf, ok := fourccFormat(fmtd.PixelFormat); ok {
			d.PixelFormats = append(d.PixelFormats, pf)
		}
		sizes := enumFrameSizes(fd, fmtd.PixelFormat)
		d.FrameSizes = append(d.FrameSizes, sizes...)
		for _, fs := range sizes {
			d.FrameRates = append(d.FrameRates, enumFrameRates(fd, fmtd.PixelFormat, fs)...)
		}
	}
	return d, true, nil
}

func enumFrameSizes(fd int, pixfmt uint32) []FrameSize {
	var out []FrameSize
	for i := uint32(0); i < maxEnumIterations; i++ {
		fse := v4l2FrmSizeEnum{Index: i, PixelFormat: pixfmt}
		if err := ioctl(fd, vidiocEnumFrameSizes, unsafe.Pointer(&fse)); err != nil {
			break
		}
		if fse.Type == v4l2FrmSizeDiscrete {
			out = append(out, FrameSize{Width: int(fse.Union[0]), Height: int(fse.Union[1])})
			continue
		}
		// stepwise/continuous: min_w, max_w, step_w, min_h, max_h, step_h
		out = append(out,
			FrameSize{Width: int(fse.Union[0]), Height: int(fse.Union[3])},
			FrameSize{Width: int(fse.Union[1]), Height: int(fse.Union[4])})
		break
	}
	return out
}

func enumFrameRates(fd int, pixfmt uint32, fs FrameSize) []FrameRateRange {
	var out []FrameRateRange
	for i := uint32(0); i < maxEnumIterations; i++ {
		fie := v4l2FrmIvalEnum{Index: i, PixelFormat: pixfmt, Width: uint32(fs.Width), Height: uint32(fs.Height)}
		if err := ioctl(fd, vidiocEnumFrameIntervals, unsafe.Pointer(&fie)); err != nil {
			break
		}
		if fie.Type == v4l2FrmIvalDiscrete {
			fps := fractionFPS(fie.Union[0], fie.Union[1])
			out = append(out, FrameRateRange{Min: fps, Max: fps})
			continue
		}
		// stepwise: min{num,den}, max{num,den}, step{num,den}; интервал
		// обратен частоте
		maxFPS := fractionFPS(fie.Union[0], fie.Union[1])
		minFPS := fractionFPS(fie.Union[2], fie.Union[3])
		out = append(out, FrameRateRange{Min: minFPS, Max: maxFPS})
		break
	}
	return out
}

func fractionFPS(num, den uint32) int {
	if num == 0 {
		return 0
	}
	return int(den / num)
}

func fourccFormat(code uint32) (PixelFormat, bool) {
	fourcc := string([]byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)})
	switch fourcc {
	case "YU12":
		return FormatI420, true
	case "NV12":
		return FormatNV12, true
	case "NV21":
		return FormatNV21, true
	case "YUYV":
		return FormatYUY2, true
	case "MJPG":
		return FormatMJPEG, true
	case "RGB3":
		return FormatRGB24, true
	}
	return "", false
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
