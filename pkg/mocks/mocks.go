// Package mocks provides test doubles for the kms layer: an in-memory DRM
// device that records transactions, and fences signaled by hand.
package mocks

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// Property names exposed by StandardCard objects.
var (
	CrtcProps      = []string{"ACTIVE", "MODE_ID", "OUT_FENCE_PTR", "CTM"}
	ConnectorProps = []string{"CRTC_ID", "DPMS"}
	PlaneProps     = []string{
		"FB_ID", "CRTC_ID", "SRC_X", "SRC_Y", "SRC_W", "SRC_H",
		"CRTC_X", "CRTC_Y", "CRTC_W", "CRTC_H",
		"zpos", "alpha", "pixel blend mode", "IN_FENCE_FD",
	}
)

// ManualFence is a fence the test signals explicitly.
type ManualFence struct {
	fd       int
	ch       chan struct{}
	once     sync.Once
	closed   atomic.Bool
	waits    atomic.Int32
	failWith error
}

// NewManualFence returns an unsignaled fence reporting fd.
func NewManualFence(fd int) *ManualFence {
	return &ManualFence{fd: fd, ch: make(chan struct{})}
}

// Signal marks the fence signaled. It is idempotent.
func (f *ManualFence) Signal() {
	f.once.Do(func() { close(f.ch) })
}

// Signaled reports whether Signal has been called.
func (f *ManualFence) Signaled() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// FailWaits makes every Wait return err immediately.
func (f *ManualFence) FailWaits(err error) {
	f.failWith = err
}

func (f *ManualFence) Wait(timeout time.Duration) error {
	f.waits.Add(1)
	if f.failWith != nil {
		return f.failWith
	}
	if f.closed.Load() {
		return kms.ErrFenceClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.ch:
		return nil
	case <-timer.C:
		return kms.ErrFenceTimeout
	}
}

// Waits returns how many times Wait was called.
func (f *ManualFence) Waits() int {
	return int(f.waits.Load())
}

func (f *ManualFence) FD() int {
	return f.fd
}

func (f *ManualFence) Close() error {
	f.closed.Store(true)
	return nil
}

// Closed reports whether the fence was closed.
func (f *ManualFence) Closed() bool {
	return f.closed.Load()
}

// Commit is one recorded AtomicCommit call.
type Commit struct {
	Flags    kms.CommitFlags
	Values   []kms.PropertyValue
	OutFence *kms.OutFenceRequest
	Fence    *ManualFence
	Err      error
}

// Value returns the value set for obj.prop in the commit.
func (c Commit) Value(obj kms.ObjectID, prop kms.PropertyID) (uint64, bool) {
	for _, v := range c.Values {
		if v.Object == obj && v.Property == prop {
			return v.Value, true
		}
	}
	return 0, false
}

// Touches reports whether the commit sets any property of obj.
func (c Commit) Touches(obj kms.ObjectID) bool {
	for _, v := range c.Values {
		if v.Object == obj {
			return true
		}
	}
	return false
}

// ConnectorSet is one recorded legacy SetConnectorProperty call.
type ConnectorSet struct {
	Connector kms.ObjectID
	Property  kms.PropertyID
	Value     uint64
}

// FakeDevice is an in-memory kms.Device.
type FakeDevice struct {
	mu sync.Mutex

	commits       []Commit
	connectorSets []ConnectorSet
	nextBlob      kms.BlobID
	liveBlobs     map[kms.BlobID][]byte
	destroyed     []kms.BlobID
	nextFD        int

	commitErrs []error
	blobErr    error
	requestErr error
	autoSignal bool
	closed     bool
	commitHook func(Commit)
}

// NewFakeDevice returns an empty device.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		nextBlob:  100,
		nextFD:    1000,
		liveBlobs: make(map[kms.BlobID][]byte),
	}
}

// FailNextCommits makes the next len(errs) real or test commits fail in order.
func (d *FakeDevice) FailNextCommits(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitErrs = append(d.commitErrs, errs...)
}

// FailBlobs makes CreatePropertyBlob fail with err until cleared with nil.
func (d *FakeDevice) FailBlobs(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobErr = err
}

// FailRequests makes NewAtomicRequest fail with err until cleared with nil.
func (d *FakeDevice) FailRequests(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestErr = err
}

// AutoSignal makes every returned fence start signaled.
func (d *FakeDevice) AutoSignal(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoSignal = on
}

// OnCommit registers a hook run after each recorded commit.
func (d *FakeDevice) OnCommit(fn func(Commit)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitHook = fn
}

func (d *FakeDevice) NewAtomicRequest() (*kms.AtomicRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, kms.ErrDeviceClosed
	}
	if d.requestErr != nil {
		return nil, d.requestErr
	}
	return kms.NewAtomicRequest(), nil
}

func (d *FakeDevice) AtomicCommit(req *kms.AtomicRequest, flags kms.CommitFlags) (kms.Fence, error) {
	d.mu.Lock()

	c := Commit{Flags: flags, Values: req.Values()}
	if of, ok := req.OutFence(); ok {
		c.OutFence = &of
	}

	switch {
	case d.closed:
		c.Err = kms.ErrDeviceClosed
	case len(d.commitErrs) > 0:
		c.Err = d.commitErrs[0]
		d.commitErrs = d.commitErrs[1:]
	case c.OutFence != nil && !flags.Has(kms.AtomicTestOnly):
		d.nextFD++
		c.Fence = NewManualFence(d.nextFD)
		if d.autoSignal {
			c.Fence.Signal()
		}
	}

	d.commits = append(d.commits, c)
	hook := d.commitHook
	d.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Fence == nil {
		return nil, nil
	}
	return c.Fence, nil
}

func (d *FakeDevice) CreatePropertyBlob(data []byte) (kms.BlobID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blobErr != nil {
		return 0, d.blobErr
	}
	if len(data) == 0 {
		return 0, kms.ErrEmptyBlob
	}
	d.nextBlob++
	d.liveBlobs[d.nextBlob] = append([]byte(nil), data...)
	return d.nextBlob, nil
}

func (d *FakeDevice) DestroyPropertyBlob(id kms.BlobID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.liveBlobs[id]; !ok {
		return fmt.Errorf("blob %d: %w", id, kms.ErrInvalidObject)
	}
	delete(d.liveBlobs, id)
	d.destroyed = append(d.destroyed, id)
	return nil
}

func (d *FakeDevice) SetConnectorProperty(connector kms.ObjectID, prop kms.PropertyID, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kms.ErrDeviceClosed
	}
	d.connectorSets = append(d.connectorSets, ConnectorSet{Connector: connector, Property: prop, Value: value})
	return nil
}

// Commits returns every recorded commit.
func (d *FakeDevice) Commits() []Commit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Commit(nil), d.commits...)
}

// CommitCount returns the number of AtomicCommit calls.
func (d *FakeDevice) CommitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commits)
}

// LastCommit returns the most recent commit.
func (d *FakeDevice) LastCommit() (Commit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commits) == 0 {
		return Commit{}, false
	}
	return d.commits[len(d.commits)-1], true
}

// BlobData returns the payload of a live blob.
func (d *FakeDevice) BlobData(id kms.BlobID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.liveBlobs[id]
	return data, ok
}

// LiveBlobs returns the number of blobs not yet destroyed.
func (d *FakeDevice) LiveBlobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.liveBlobs)
}

// DestroyedBlobs returns destroyed blob ids in order.
func (d *FakeDevice) DestroyedBlobs() []kms.BlobID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]kms.BlobID(nil), d.destroyed...)
}

// ConnectorSets returns the legacy property writes.
func (d *FakeDevice) ConnectorSets() []ConnectorSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ConnectorSet(nil), d.connectorSets...)
}

// FakeCard is a FakeDevice with property listings and connector modes.
type FakeCard struct {
	*FakeDevice

	path     string
	mu       sync.Mutex
	objects  map[kms.ObjectID]fakeObject
	modes    map[kms.ObjectID][]types.DisplayMode
	nextProp kms.PropertyID
	closes   int
}

type fakeObject struct {
	typ   kms.ObjectType
	props map[string]kms.PropertyID
}

// NewFakeCard returns a card without objects.
func NewFakeCard(path string) *FakeCard {
	return &FakeCard{
		FakeDevice: NewFakeDevice(),
		path:       path,
		objects:    make(map[kms.ObjectID]fakeObject),
		modes:      make(map[kms.ObjectID][]types.DisplayMode),
		nextProp:   1,
	}
}

// StandardCard returns a card with one CRTC, one connector and the given
// planes, each exposing the full property set.
func StandardCard(path string, crtc, connector kms.ObjectID, planes ...kms.ObjectID) *FakeCard {
	c := NewFakeCard(path)
	c.AddObject(crtc, kms.ObjectCRTC, CrtcProps...)
	c.AddObject(connector, kms.ObjectConnector, ConnectorProps...)
	for _, p := range planes {
		c.AddObject(p, kms.ObjectPlane, PlaneProps...)
	}
	return c
}

// AddObject registers an object exposing the named properties. Property
// ids are allocated sequentially across the card.
func (c *FakeCard) AddObject(id kms.ObjectID, typ kms.ObjectType, names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := fakeObject{typ: typ, props: make(map[string]kms.PropertyID, len(names))}
	for _, name := range names {
		obj.props[name] = c.nextProp
		c.nextProp++
	}
	c.objects[id] = obj
}

// RemoveProperty hides a property of an object.
func (c *FakeCard) RemoveProperty(id kms.ObjectID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obj, ok := c.objects[id]; ok {
		delete(obj.props, name)
	}
}

// PropID returns the id of a property, or 0.
func (c *FakeCard) PropID(id kms.ObjectID, name string) kms.PropertyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects[id].props[name]
}

// SetModes sets the mode list of a connector.
func (c *FakeCard) SetModes(connector kms.ObjectID, modes ...types.DisplayMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes[connector] = modes
}

func (c *FakeCard) ObjectProperties(obj kms.ObjectID, typ kms.ObjectType) (map[string]kms.PropertyID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[obj]
	if !ok || o.typ != typ {
		return nil, fmt.Errorf("object %d: %w", obj, kms.ErrInvalidObject)
	}
	out := make(map[string]kms.PropertyID, len(o.props))
	for k, v := range o.props {
		out[k] = v
	}
	return out, nil
}

func (c *FakeCard) ConnectorModes(connector kms.ObjectID) ([]types.DisplayMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.objects[connector]; !ok || o.typ != kms.ObjectConnector {
		return nil, fmt.Errorf("connector %d: %w", connector, kms.ErrInvalidObject)
	}
	return append([]types.DisplayMode(nil), c.modes[connector]...), nil
}

func (c *FakeCard) Path() string {
	return c.path
}

func (c *FakeCard) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()

	c.FakeDevice.mu.Lock()
	defer c.FakeDevice.mu.Unlock()
	if c.FakeDevice.closed {
		return errors.New("fake card closed twice")
	}
	c.FakeDevice.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeCard) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

var (
	_ kms.Device = (*FakeDevice)(nil)
	_ kms.Card   = (*FakeCard)(nil)
	_ kms.Fence  = (*ManualFence)(nil)
)
