package kms

import (
	"errors"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl numbers. These use the standard Linux ioctl encoding:
//
//	_IOW(type, nr, size)   = 0x40000000 | (size << 16) | (type << 8) | nr
//	_IOWR(type, nr, size)  = 0xC0000000 | (size << 16) | (type << 8) | nr
//
// All argument structs are 8-byte aligned, so the sizes match on amd64 and arm64.
const (
	// DRM_IOCTL_SET_CLIENT_CAP = _IOW('d', 0x0d, struct drm_set_client_cap)
	ioctlSetClientCap = 0x4010640d

	// DRM_IOCTL_MODE_GETCONNECTOR = _IOWR('d', 0xa7, struct drm_mode_get_connector)
	ioctlModeGetConnector = 0xc05064a7

	// DRM_IOCTL_MODE_GETPROPERTY = _IOWR('d', 0xaa, struct drm_mode_get_property)
	ioctlModeGetProperty = 0xc04064aa

	// DRM_IOCTL_MODE_SETPROPERTY = _IOWR('d', 0xab, struct drm_mode_connector_set_property)
	ioctlModeSetProperty = 0xc01064ab

	// DRM_IOCTL_MODE_OBJ_GETPROPERTIES = _IOWR('d', 0xb9, struct drm_mode_obj_get_properties)
	ioctlModeObjGetProperties = 0xc02064b9

	// DRM_IOCTL_MODE_ATOMIC = _IOWR('d', 0xbc, struct drm_mode_atomic)
	ioctlModeAtomic = 0xc03864bc

	// DRM_IOCTL_MODE_CREATEPROPBLOB = _IOWR('d', 0xbd, struct drm_mode_create_blob)
	ioctlModeCreatePropBlob = 0xc01064bd

	// DRM_IOCTL_MODE_DESTROYPROPBLOB = _IOWR('d', 0xbe, struct drm_mode_destroy_blob)
	ioctlModeDestroyPropBlob = 0xc00464be
)

const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3
)

// drmSetClientCap corresponds to struct drm_set_client_cap.
type drmSetClientCap struct {
	Capability uint64
	Value      uint64
}

// drmModeGetConnector corresponds to struct drm_mode_get_connector.
type drmModeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

// drmModeModeinfo corresponds to struct drm_mode_modeinfo (68 bytes).
type drmModeModeinfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

// drmModeGetProperty corresponds to struct drm_mode_get_property.
type drmModeGetProperty struct {
	ValuesPtr      uint64
	EnumBlobPtr    uint64
	PropID         uint32
	Flags          uint32
	Name           [32]byte
	CountValues    uint32
	CountEnumBlobs uint32
}

// drmModeConnectorSetProperty corresponds to struct drm_mode_connector_set_property.
type drmModeConnectorSetProperty struct {
	Value       uint64
	PropID      uint32
	ConnectorID uint32
}

// drmModeObjGetProperties corresponds to struct drm_mode_obj_get_properties.
type drmModeObjGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
	Pad           uint32
}

// drmModeAtomic corresponds to struct drm_mode_atomic.
type drmModeAtomic struct {
	Flags         uint32
	CountObjs     uint32
	ObjsPtr       uint64
	CountPropsPtr uint64
	PropsPtr      uint64
	PropValuesPtr uint64
	Reserved      uint64
	UserData      uint64
}

// drmModeCreateBlob corresponds to struct drm_mode_create_blob.
type drmModeCreateBlob struct {
	Data   uint64
	Length uint32
	BlobID uint32
}

// drmModeDestroyBlob corresponds to struct drm_mode_destroy_blob.
type drmModeDestroyBlob struct {
	BlobID uint32
}

// ioctl issues a DRM ioctl, restarting on EINTR/EAGAIN like libdrm's drmIoctl.
func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
		if errors.Is(errno, unix.EINTR) || errors.Is(errno, unix.EAGAIN) {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// atomicArrays flattens a request into the per-object arrays MODE_ATOMIC expects.
type atomicArrays struct {
	objs   []uint32
	counts []uint32
	props  []uint32
	values []uint64
}

func packAtomic(entries []PropertyValue) atomicArrays {
	var order []ObjectID
	byObj := make(map[ObjectID][]PropertyValue)
	for _, e := range entries {
		if _, ok := byObj[e.Object]; !ok {
			order = append(order, e.Object)
		}
		byObj[e.Object] = append(byObj[e.Object], e)
	}

	var a atomicArrays
	for _, obj := range order {
		group := byObj[obj]
		a.objs = append(a.objs, uint32(obj))
		a.counts = append(a.counts, uint32(len(group)))
		for _, e := range group {
			a.props = append(a.props, uint32(e.Property))
			a.values = append(a.values, e.Value)
		}
	}
	return a
}

// outFenceSlot is the int32 the kernel writes the OUT_FENCE_PTR fd into.
// The kernel gets its address as a plain integer, so the slot is heap
// allocated and pinned until release.
type outFenceSlot struct {
	fd  *int32
	pin runtime.Pinner
}

func newOutFenceSlot() *outFenceSlot {
	s := &outFenceSlot{fd: new(int32)}
	*s.fd = -1
	s.pin.Pin(s.fd)
	return s
}

func (s *outFenceSlot) addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(s.fd)))
}

func (s *outFenceSlot) value() int32 {
	return *s.fd
}

func (s *outFenceSlot) release() {
	s.pin.Unpin()
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
