// Package kms models the kernel mode-setting primitives the commit engine
// depends on: atomic property transactions, property blobs, framebuffers
// and sync-file fences. The Linux backend talks to /dev/dri nodes directly.
package kms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// ObjectID identifies a KMS object (CRTC, connector, plane, framebuffer).
type ObjectID uint32

// PropertyID identifies a KMS property.
type PropertyID uint32

// BlobID identifies a kernel property blob.
type BlobID uint32

// ObjectType is the DRM_MODE_OBJECT_* tag used by property ioctls.
type ObjectType uint32

const (
	ObjectCRTC      ObjectType = 0xcccccccc
	ObjectConnector ObjectType = 0xc0c0c0c0
	ObjectPlane     ObjectType = 0xeeeeeeee
)

// CommitFlags are DRM_MODE_ATOMIC_* flags.
type CommitFlags uint32

const (
	AtomicPageFlipEvent CommitFlags = 0x0001
	AtomicTestOnly      CommitFlags = 0x0100
	AtomicNonBlock      CommitFlags = 0x0200
	AtomicAllowModeset  CommitFlags = 0x0400
)

// Has reports whether all bits of other are set.
func (f CommitFlags) Has(other CommitFlags) bool {
	return f&other == other
}

func (f CommitFlags) String() string {
	var parts []string
	for _, flag := range []struct {
		bit  CommitFlags
		name string
	}{
		{AtomicPageFlipEvent, "PAGE_FLIP_EVENT"},
		{AtomicTestOnly, "TEST_ONLY"},
		{AtomicNonBlock, "NONBLOCK"},
		{AtomicAllowModeset, "ALLOW_MODESET"},
	} {
		if f.Has(flag.bit) {
			parts = append(parts, flag.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// DPMSOn is DRM_MODE_DPMS_ON.
const DPMSOn uint64 = 0

// Sentinel errors for kms operations.
var (
	// ErrDeviceClosed is returned by a device after Close.
	ErrDeviceClosed = errors.New("kms device is closed")

	// ErrPropertyUnsupported indicates the object does not expose the property.
	ErrPropertyUnsupported = errors.New("property not supported")

	// ErrInvalidObject indicates a zero object or property id.
	ErrInvalidObject = errors.New("invalid kms object")

	// ErrFenceTimeout indicates a fence did not signal within the wait bound.
	ErrFenceTimeout = errors.New("fence wait timed out")

	// ErrEmptyBlob indicates an attempt to register an empty property blob.
	ErrEmptyBlob = errors.New("empty property blob")

	// ErrFenceClosed is returned when waiting on a fence after Close.
	ErrFenceClosed = errors.New("fence is closed")
)

// Property is a resolved property id. A zero ID means the object does not
// support the property.
type Property struct {
	ID   PropertyID
	Name string
}

// Supported reports whether the property was found on the object.
func (p Property) Supported() bool {
	return p.ID != 0
}

// AtomicSet adds obj.p = value to the request.
func (p Property) AtomicSet(req *AtomicRequest, obj ObjectID, value uint64) error {
	if !p.Supported() {
		return fmt.Errorf("%w: %s on object %d", ErrPropertyUnsupported, p.Name, obj)
	}
	return req.Add(obj, p.ID, value)
}

// Device is the transactional property-set acceptor of one DRM node.
type Device interface {
	// NewAtomicRequest allocates an empty property transaction.
	NewAtomicRequest() (*AtomicRequest, error)
	// AtomicCommit submits req. When req asked for an out-fence and the
	// commit was not test-only, the returned Fence is owned by the caller.
	AtomicCommit(req *AtomicRequest, flags CommitFlags) (Fence, error)
	CreatePropertyBlob(data []byte) (BlobID, error)
	DestroyPropertyBlob(id BlobID) error
	// SetConnectorProperty is the legacy (non-atomic) property path.
	SetConnectorProperty(connector ObjectID, prop PropertyID, value uint64) error
}

// PropertyLister resolves property names of an object.
type PropertyLister interface {
	ObjectProperties(obj ObjectID, typ ObjectType) (map[string]PropertyID, error)
}

// Card is an opened DRM node.
type Card interface {
	Device
	PropertyLister
	ConnectorModes(connector ObjectID) ([]types.DisplayMode, error)
	Path() string
	Close() error
}
