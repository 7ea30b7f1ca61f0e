package drm

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// resolve looks up name in a property listing. A missing property yields an
// unsupported (zero) Property.
func resolve(props map[string]kms.PropertyID, name string) kms.Property {
	return kms.Property{ID: props[name], Name: name}
}

func requireProps(obj kms.ObjectID, props ...kms.Property) error {
	var errs []error
	for _, p := range props {
		if !p.Supported() {
			errs = append(errs, fmt.Errorf("%w: %s on object %d", kms.ErrPropertyUnsupported, p.Name, obj))
		}
	}
	return errors.Join(errs...)
}

// Crtc is the scan-out engine of a pipeline with its resolved properties.
type Crtc struct {
	ID          kms.ObjectID
	Active      kms.Property
	ModeID      kms.Property
	OutFencePtr kms.Property
	Ctm         kms.Property
}

// NewCrtc resolves the CRTC properties the commit engine uses. CTM is optional.
func NewCrtc(lister kms.PropertyLister, id kms.ObjectID) (*Crtc, error) {
	props, err := lister.ObjectProperties(id, kms.ObjectCRTC)
	if err != nil {
		return nil, fmt.Errorf("crtc %d: %w", id, err)
	}
	c := &Crtc{
		ID:          id,
		Active:      resolve(props, "ACTIVE"),
		ModeID:      resolve(props, "MODE_ID"),
		OutFencePtr: resolve(props, "OUT_FENCE_PTR"),
		Ctm:         resolve(props, "CTM"),
	}
	if err := requireProps(id, c.Active, c.ModeID, c.OutFencePtr); err != nil {
		return nil, err
	}
	return c, nil
}

// Connector is the output endpoint of a pipeline.
type Connector struct {
	ID     kms.ObjectID
	Name   string
	CrtcID kms.Property
	Dpms   kms.Property
}

// NewConnector resolves connector properties. DPMS is optional.
func NewConnector(lister kms.PropertyLister, id kms.ObjectID, name string) (*Connector, error) {
	props, err := lister.ObjectProperties(id, kms.ObjectConnector)
	if err != nil {
		return nil, fmt.Errorf("connector %d: %w", id, err)
	}
	if name == "" {
		name = fmt.Sprintf("connector-%d", id)
	}
	c := &Connector{
		ID:     id,
		Name:   name,
		CrtcID: resolve(props, "CRTC_ID"),
		Dpms:   resolve(props, "DPMS"),
	}
	if err := requireProps(id, c.CrtcID); err != nil {
		return nil, err
	}
	return c, nil
}

// Plane is a hardware compositing layer. The same Plane value is shared by
// every frame that binds it.
type Plane struct {
	ID kms.ObjectID

	FbID   kms.Property
	CrtcID kms.Property
	SrcX   kms.Property
	SrcY   kms.Property
	SrcW   kms.Property
	SrcH   kms.Property
	CrtcX  kms.Property
	CrtcY  kms.Property
	CrtcW  kms.Property
	CrtcH  kms.Property

	// Optional
	Zpos           kms.Property
	Alpha          kms.Property
	PixelBlendMode kms.Property
	InFenceFD      kms.Property
}

// NewPlane resolves plane properties. zpos, alpha, pixel blend mode and
// IN_FENCE_FD are optional and skipped when the driver lacks them.
func NewPlane(lister kms.PropertyLister, id kms.ObjectID) (*Plane, error) {
	props, err := lister.ObjectProperties(id, kms.ObjectPlane)
	if err != nil {
		return nil, fmt.Errorf("plane %d: %w", id, err)
	}
	p := &Plane{
		ID:             id,
		FbID:           resolve(props, "FB_ID"),
		CrtcID:         resolve(props, "CRTC_ID"),
		SrcX:           resolve(props, "SRC_X"),
		SrcY:           resolve(props, "SRC_Y"),
		SrcW:           resolve(props, "SRC_W"),
		SrcH:           resolve(props, "SRC_H"),
		CrtcX:          resolve(props, "CRTC_X"),
		CrtcY:          resolve(props, "CRTC_Y"),
		CrtcW:          resolve(props, "CRTC_W"),
		CrtcH:          resolve(props, "CRTC_H"),
		Zpos:           resolve(props, "zpos"),
		Alpha:          resolve(props, "alpha"),
		PixelBlendMode: resolve(props, "pixel blend mode"),
		InFenceFD:      resolve(props, "IN_FENCE_FD"),
	}
	if err := requireProps(id, p.FbID, p.CrtcID, p.SrcX, p.SrcY, p.SrcW, p.SrcH,
		p.CrtcX, p.CrtcY, p.CrtcW, p.CrtcH); err != nil {
		return nil, err
	}
	return p, nil
}

// fixed16 converts a pixel coordinate to 16.16 fixed point.
func fixed16(v float64) uint64 {
	return uint64(math.Round(v * 65536))
}

// propertySetter accumulates the first error of a run of AtomicSet calls.
type propertySetter struct {
	req *kms.AtomicRequest
	obj kms.ObjectID
	err error
}

func (s *propertySetter) set(p kms.Property, value uint64) {
	if s.err == nil {
		s.err = p.AtomicSet(s.req, s.obj, value)
	}
}

func (s *propertySetter) setOptional(p kms.Property, value uint64) {
	if p.Supported() {
		s.set(p, value)
	}
}

// AtomicSetState binds layer to the plane on crtc. The bottom-most plane has
// nothing beneath it to blend with, so its blend mode is forced to None.
func (p *Plane) AtomicSetState(req *kms.AtomicRequest, crtc kms.ObjectID, layer LayerData, zpos uint32, bottom bool) error {
	if layer.FB == nil || layer.FB.ID() == 0 {
		return fmt.Errorf("plane %d: layer has no framebuffer", p.ID)
	}
	if layer.Src.W <= 0 || layer.Src.H <= 0 || layer.Src.X < 0 || layer.Src.Y < 0 {
		return fmt.Errorf("plane %d: invalid source rectangle %+v", p.ID, layer.Src)
	}
	if layer.Dst.W == 0 || layer.Dst.H == 0 {
		return fmt.Errorf("plane %d: empty destination rectangle", p.ID)
	}

	s := &propertySetter{req: req, obj: p.ID}
	s.set(p.FbID, uint64(layer.FB.ID()))
	s.set(p.CrtcID, uint64(crtc))
	s.set(p.SrcX, fixed16(layer.Src.X))
	s.set(p.SrcY, fixed16(layer.Src.Y))
	s.set(p.SrcW, fixed16(layer.Src.W))
	s.set(p.SrcH, fixed16(layer.Src.H))
	s.set(p.CrtcX, uint64(int64(layer.Dst.X)))
	s.set(p.CrtcY, uint64(int64(layer.Dst.Y)))
	s.set(p.CrtcW, uint64(layer.Dst.W))
	s.set(p.CrtcH, uint64(layer.Dst.H))
	s.setOptional(p.Zpos, uint64(zpos))
	s.setOptional(p.Alpha, uint64(layer.Alpha))

	blend := layer.Blend
	if bottom {
		blend = types.BlendNone
	}
	s.setOptional(p.PixelBlendMode, uint64(blend))

	if layer.AcquireFence != nil && layer.AcquireFence.FD() >= 0 {
		s.setOptional(p.InFenceFD, uint64(layer.AcquireFence.FD()))
	}
	return s.err
}

// AtomicDisablePlane detaches the plane from its CRTC and framebuffer.
func (p *Plane) AtomicDisablePlane(req *kms.AtomicRequest) error {
	s := &propertySetter{req: req, obj: p.ID}
	s.set(p.FbID, 0)
	s.set(p.CrtcID, 0)
	return s.err
}

// DisplayPipeline is one CRTC driving one connector with the planes it may use.
type DisplayPipeline struct {
	Name      string
	Device    kms.Device
	Crtc      *Crtc
	Connector *Connector
	Planes    []*Plane

	// MainLock is the device-wide lock shared by every pipeline on Device.
	// A nil lock gives the pipeline a private one.
	MainLock sync.Locker
}

// PipelineConfig names the objects a pipeline is assembled from.
type PipelineConfig struct {
	Name          string
	CrtcID        kms.ObjectID
	ConnectorID   kms.ObjectID
	ConnectorName string
	PlaneIDs      []kms.ObjectID
}

// NewPipeline resolves every object's properties through lister.
func NewPipeline(dev kms.Device, lister kms.PropertyLister, cfg PipelineConfig, mainLock sync.Locker) (*DisplayPipeline, error) {
	crtc, err := NewCrtc(lister, cfg.CrtcID)
	if err != nil {
		return nil, err
	}
	conn, err := NewConnector(lister, cfg.ConnectorID, cfg.ConnectorName)
	if err != nil {
		return nil, err
	}

	planes := make([]*Plane, 0, len(cfg.PlaneIDs))
	for _, id := range cfg.PlaneIDs {
		plane, err := NewPlane(lister, id)
		if err != nil {
			return nil, err
		}
		planes = append(planes, plane)
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("crtc-%d", cfg.CrtcID)
	}

	return &DisplayPipeline{
		Name:      name,
		Device:    dev,
		Crtc:      crtc,
		Connector: conn,
		Planes:    planes,
		MainLock:  mainLock,
	}, nil
}

// Plane returns the pipeline plane with the given id.
func (p *DisplayPipeline) Plane(id kms.ObjectID) (*Plane, bool) {
	for _, plane := range p.Planes {
		if plane.ID == id {
			return plane, true
		}
	}
	return nil, false
}

// SupportsColorMatrix reports whether the CRTC exposes CTM.
func (p *DisplayPipeline) SupportsColorMatrix() bool {
	return p.Crtc != nil && p.Crtc.Ctm.Supported()
}
