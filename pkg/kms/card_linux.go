package kms

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/hwcomposer/kmsatomic/pkg/types"
	"golang.org/x/sys/unix"
)

// cardFile is a DRM node opened with universal planes and atomic enabled.
type cardFile struct {
	path string

	mu sync.RWMutex
	f  *os.File
}

// OpenCard opens a DRM node and enables the client caps the commit engine
// relies on.
func OpenCard(path string) (Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	for _, capability := range []uint64{clientCapUniversalPlanes, clientCapAtomic} {
		arg := drmSetClientCap{Capability: capability, Value: 1}
		if err := ioctl(f.Fd(), ioctlSetClientCap, unsafe.Pointer(&arg)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: SET_CLIENT_CAP(%d): %w", path, capability, err)
		}
	}

	return &cardFile{path: path, f: f}, nil
}

func (c *cardFile) Path() string {
	return c.path
}

// withFD runs fn while the node is guaranteed to stay open.
func (c *cardFile) withFD(fn func(fd uintptr) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.f == nil {
		return ErrDeviceClosed
	}
	return fn(c.f.Fd())
}

func (c *cardFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

func (c *cardFile) NewAtomicRequest() (*AtomicRequest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.f == nil {
		return nil, ErrDeviceClosed
	}
	return NewAtomicRequest(), nil
}

func (c *cardFile) AtomicCommit(req *AtomicRequest, flags CommitFlags) (Fence, error) {
	entries := req.Values()
	var slot *outFenceSlot
	if of, ok := req.OutFence(); ok {
		slot = newOutFenceSlot()
		defer slot.release()
		entries = append(entries, PropertyValue{
			Object:   of.Object,
			Property: of.Property,
			Value:    slot.addr(),
		})
	}
	a := packAtomic(entries)

	arg := drmModeAtomic{
		Flags:     uint32(flags),
		CountObjs: uint32(len(a.objs)),
	}
	if len(a.objs) > 0 {
		arg.ObjsPtr = uint64(uintptr(unsafe.Pointer(&a.objs[0])))
		arg.CountPropsPtr = uint64(uintptr(unsafe.Pointer(&a.counts[0])))
		arg.PropsPtr = uint64(uintptr(unsafe.Pointer(&a.props[0])))
		arg.PropValuesPtr = uint64(uintptr(unsafe.Pointer(&a.values[0])))
	}

	err := c.withFD(func(fd uintptr) error {
		return ioctl(fd, ioctlModeAtomic, unsafe.Pointer(&arg))
	})
	runtime.KeepAlive(a)
	if err != nil {
		return nil, fmt.Errorf("MODE_ATOMIC(%s): %w", flags, err)
	}

	if slot == nil {
		return nil, nil
	}
	outFD := slot.value()
	if outFD < 0 {
		return nil, nil
	}
	if flags.Has(AtomicTestOnly) {
		unix.Close(int(outFD))
		return nil, nil
	}
	return NewSyncFileFence(int(outFD)), nil
}

func (c *cardFile) CreatePropertyBlob(data []byte) (BlobID, error) {
	if len(data) == 0 {
		return 0, ErrEmptyBlob
	}
	arg := drmModeCreateBlob{
		Data:   uint64(uintptr(unsafe.Pointer(&data[0]))),
		Length: uint32(len(data)),
	}
	err := c.withFD(func(fd uintptr) error {
		return ioctl(fd, ioctlModeCreatePropBlob, unsafe.Pointer(&arg))
	})
	runtime.KeepAlive(data)
	if err != nil {
		return 0, fmt.Errorf("MODE_CREATEPROPBLOB: %w", err)
	}
	return BlobID(arg.BlobID), nil
}

func (c *cardFile) DestroyPropertyBlob(id BlobID) error {
	arg := drmModeDestroyBlob{BlobID: uint32(id)}
	if err := c.withFD(func(fd uintptr) error {
		return ioctl(fd, ioctlModeDestroyPropBlob, unsafe.Pointer(&arg))
	}); err != nil {
		return fmt.Errorf("MODE_DESTROYPROPBLOB(%d): %w", id, err)
	}
	return nil
}

func (c *cardFile) SetConnectorProperty(connector ObjectID, prop PropertyID, value uint64) error {
	arg := drmModeConnectorSetProperty{
		Value:       value,
		PropID:      uint32(prop),
		ConnectorID: uint32(connector),
	}
	if err := c.withFD(func(fd uintptr) error {
		return ioctl(fd, ioctlModeSetProperty, unsafe.Pointer(&arg))
	}); err != nil {
		return fmt.Errorf("MODE_SETPROPERTY(connector=%d, prop=%d): %w", connector, prop, err)
	}
	return nil
}

func (c *cardFile) ObjectProperties(obj ObjectID, typ ObjectType) (map[string]PropertyID, error) {
	props := make(map[string]PropertyID)

	err := c.withFD(func(fd uintptr) error {
		// First call: get count
		arg := drmModeObjGetProperties{ObjID: uint32(obj), ObjType: uint32(typ)}
		if err := ioctl(fd, ioctlModeObjGetProperties, unsafe.Pointer(&arg)); err != nil {
			return fmt.Errorf("MODE_OBJ_GETPROPERTIES(%d) (count): %w", obj, err)
		}
		if arg.CountProps == 0 {
			return nil
		}

		// Second call: fill arrays
		ids := make([]uint32, arg.CountProps)
		values := make([]uint64, arg.CountProps)
		arg.PropsPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
		arg.PropValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
		err := ioctl(fd, ioctlModeObjGetProperties, unsafe.Pointer(&arg))
		runtime.KeepAlive(ids)
		runtime.KeepAlive(values)
		if err != nil {
			return fmt.Errorf("MODE_OBJ_GETPROPERTIES(%d) (fill): %w", obj, err)
		}

		n := min(int(arg.CountProps), len(ids))
		for _, id := range ids[:n] {
			p := drmModeGetProperty{PropID: id}
			if err := ioctl(fd, ioctlModeGetProperty, unsafe.Pointer(&p)); err != nil {
				return fmt.Errorf("MODE_GETPROPERTY(%d): %w", id, err)
			}
			props[cString(p.Name[:])] = PropertyID(id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return props, nil
}

func (c *cardFile) ConnectorModes(connector ObjectID) ([]types.DisplayMode, error) {
	var modes []types.DisplayMode

	err := c.withFD(func(fd uintptr) error {
		// First call to get counts
		conn := drmModeGetConnector{ConnectorID: uint32(connector)}
		if err := ioctl(fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
			return fmt.Errorf("MODE_GETCONNECTOR(%d): %w", connector, err)
		}
		if conn.CountModes == 0 {
			return nil
		}

		raw := make([]drmModeModeinfo, conn.CountModes)
		fill := drmModeGetConnector{
			ConnectorID: uint32(connector),
			CountModes:  conn.CountModes,
			ModesPtr:    uint64(uintptr(unsafe.Pointer(&raw[0]))),
		}
		err := ioctl(fd, ioctlModeGetConnector, unsafe.Pointer(&fill))
		runtime.KeepAlive(raw)
		if err != nil {
			return fmt.Errorf("MODE_GETCONNECTOR(%d) (modes): %w", connector, err)
		}

		n := min(int(fill.CountModes), len(raw))
		for i := range raw[:n] {
			var mode types.DisplayMode
			record := (*[unsafe.Sizeof(drmModeModeinfo{})]byte)(unsafe.Pointer(&raw[i]))
			if err := mode.UnmarshalBinary(record[:]); err != nil {
				return err
			}
			modes = append(modes, mode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modes, nil
}
