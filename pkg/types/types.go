// Package types provides core types and configuration for kmsatomic
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// FenceWaitPolicy decides what a submitter does when the bounded wait on
// the prior frame's completion fence times out or fails.
type FenceWaitPolicy string

const (
	// FenceWaitProceed logs the failure, promotes the prior frame and submits.
	FenceWaitProceed FenceWaitPolicy = "proceed"
	// FenceWaitEscalate aborts the new commit with a fence-wait error.
	FenceWaitEscalate FenceWaitPolicy = "escalate"
)

// CtmHandling decides what happens to a color transform when the CRTC has
// no CTM property.
type CtmHandling string

const (
	// CtmDrmOrGpu rejects the commit so the caller can apply the matrix on the GPU.
	CtmDrmOrGpu CtmHandling = "DRM_OR_GPU"
	// CtmDrmOrIgnore drops the matrix silently.
	CtmDrmOrIgnore CtmHandling = "DRM_OR_IGNORE"
)

// BlendMode mirrors the kernel "pixel blend mode" plane property values
// (DRM_MODE_BLEND_PREMULTI, DRM_MODE_BLEND_COVERAGE, DRM_MODE_BLEND_PIXEL_NONE).
type BlendMode uint64

const (
	BlendPremultiplied BlendMode = 0
	BlendCoverage      BlendMode = 1
	BlendNone          BlendMode = 2
)

func (b BlendMode) String() string {
	switch b {
	case BlendNone:
		return "None"
	case BlendPremultiplied:
		return "Pre-multiplied"
	case BlendCoverage:
		return "Coverage"
	default:
		return fmt.Sprintf("BlendMode(%d)", uint64(b))
	}
}

// Config is the on-disk configuration of kmsatomic.
type Config struct {
	Version string        `json:"version" yaml:"version" mapstructure:"version"`
	Device  DeviceConfig  `json:"device" yaml:"device" mapstructure:"device"`
	Commit  CommitConfig  `json:"commit" yaml:"commit" mapstructure:"commit"`
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	State   StateConfig   `json:"state" yaml:"state" mapstructure:"state"`
}

// DeviceConfig selects the DRM device nodes. A trailing '%' in Path opens
// every numbered node (card0, card1, ...) until one is missing.
type DeviceConfig struct {
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// CommitConfig holds the commit engine policy knobs.
type CommitConfig struct {
	FenceTimeoutMs  int             `json:"fenceTimeoutMs" yaml:"fenceTimeoutMs" mapstructure:"fenceTimeoutMs"`
	FenceWaitPolicy FenceWaitPolicy `json:"fenceWaitPolicy" yaml:"fenceWaitPolicy" mapstructure:"fenceWaitPolicy"`
	CtmHandling     CtmHandling     `json:"ctmHandling" yaml:"ctmHandling" mapstructure:"ctmHandling"`
}

// LoggingConfig configures the logrus backend.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" mapstructure:"level"`
	File  string `json:"file,omitempty" yaml:"file,omitempty" mapstructure:"file"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Address string `json:"address,omitempty" yaml:"address,omitempty" mapstructure:"address"`
}

// StateConfig configures pipeline status files.
type StateConfig struct {
	Dir              string `json:"dir" yaml:"dir" mapstructure:"dir"`
	HeartbeatSeconds int    `json:"heartbeatSeconds" yaml:"heartbeatSeconds" mapstructure:"heartbeatSeconds"`
}

// CommitPolicy is the runtime form of CommitConfig.
type CommitPolicy struct {
	FenceTimeout    time.Duration
	FenceWaitPolicy FenceWaitPolicy
	CtmHandling     CtmHandling
}

// DefaultFenceTimeout bounds every internal fence wait.
const DefaultFenceTimeout = 500 * time.Millisecond

// DefaultCommitPolicy returns the policy used when nothing is configured.
func DefaultCommitPolicy() CommitPolicy {
	return CommitPolicy{
		FenceTimeout:    DefaultFenceTimeout,
		FenceWaitPolicy: FenceWaitProceed,
		CtmHandling:     CtmDrmOrGpu,
	}
}

// Policy converts the config section, falling back to defaults for unset fields.
func (c CommitConfig) Policy() CommitPolicy {
	p := DefaultCommitPolicy()
	if c.FenceTimeoutMs > 0 {
		p.FenceTimeout = time.Duration(c.FenceTimeoutMs) * time.Millisecond
	}
	if c.FenceWaitPolicy != "" {
		p.FenceWaitPolicy = c.FenceWaitPolicy
	}
	if c.CtmHandling != "" {
		p.CtmHandling = c.CtmHandling
	}
	return p
}

// ParseCtmHandling accepts the property-style spelling used by configs.
func ParseCtmHandling(s string) (CtmHandling, error) {
	switch CtmHandling(strings.ToUpper(strings.TrimSpace(s))) {
	case CtmDrmOrGpu:
		return CtmDrmOrGpu, nil
	case CtmDrmOrIgnore:
		return CtmDrmOrIgnore, nil
	}
	return "", fmt.Errorf("invalid ctm handling: %q", s)
}

// ParseFenceWaitPolicy validates a policy name.
func ParseFenceWaitPolicy(s string) (FenceWaitPolicy, error) {
	switch FenceWaitPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case FenceWaitProceed:
		return FenceWaitProceed, nil
	case FenceWaitEscalate:
		return FenceWaitEscalate, nil
	}
	return "", fmt.Errorf("invalid fence wait policy: %q", s)
}

// displayModeSize is sizeof(struct drm_mode_modeinfo).
const displayModeSize = 68

// DisplayMode is a display timing descriptor laid out like drm_mode_modeinfo.
type DisplayMode struct {
	Clock      uint32
	HDisplay   uint16
	HSyncStart uint16
	HSyncEnd   uint16
	HTotal     uint16
	HSkew      uint16
	VDisplay   uint16
	VSyncStart uint16
	VSyncEnd   uint16
	VTotal     uint16
	VScan      uint16
	VRefresh   uint32
	Flags      uint32
	Type       uint32
	Name       string
}

var (
	// ErrInvalidMode is returned for timings the kernel would never accept.
	ErrInvalidMode = errors.New("invalid display mode")
	// ErrInvalidColorMatrix is returned for matrices that cannot be encoded.
	ErrInvalidColorMatrix = errors.New("invalid color matrix")
)

// Validate checks the invariants required to register the mode.
func (m DisplayMode) Validate() error {
	switch {
	case m.Clock == 0:
		return fmt.Errorf("%w: zero pixel clock", ErrInvalidMode)
	case m.HDisplay == 0 || m.VDisplay == 0:
		return fmt.Errorf("%w: zero active area %dx%d", ErrInvalidMode, m.HDisplay, m.VDisplay)
	case m.HTotal < m.HDisplay || m.VTotal < m.VDisplay:
		return fmt.Errorf("%w: total %dx%d smaller than active area", ErrInvalidMode, m.HTotal, m.VTotal)
	case len(m.Name) > 31:
		return fmt.Errorf("%w: name %q longer than 31 bytes", ErrInvalidMode, m.Name)
	}
	return nil
}

// String renders the mode the way modetest does.
func (m DisplayMode) String() string {
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("%dx%d", m.HDisplay, m.VDisplay)
	}
	return fmt.Sprintf("%s@%d", name, m.VRefresh)
}

// MarshalBinary encodes the mode as the kernel expects it in a MODE_ID blob.
func (m DisplayMode) MarshalBinary() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, displayModeSize)
	e := binary.NativeEndian
	e.PutUint32(buf[0:], m.Clock)
	e.PutUint16(buf[4:], m.HDisplay)
	e.PutUint16(buf[6:], m.HSyncStart)
	e.PutUint16(buf[8:], m.HSyncEnd)
	e.PutUint16(buf[10:], m.HTotal)
	e.PutUint16(buf[12:], m.HSkew)
	e.PutUint16(buf[14:], m.VDisplay)
	e.PutUint16(buf[16:], m.VSyncStart)
	e.PutUint16(buf[18:], m.VSyncEnd)
	e.PutUint16(buf[20:], m.VTotal)
	e.PutUint16(buf[22:], m.VScan)
	e.PutUint32(buf[24:], m.VRefresh)
	e.PutUint32(buf[28:], m.Flags)
	e.PutUint32(buf[32:], m.Type)
	copy(buf[36:67], m.Name)
	return buf, nil
}

// UnmarshalBinary decodes a drm_mode_modeinfo record.
func (m *DisplayMode) UnmarshalBinary(data []byte) error {
	if len(data) < displayModeSize {
		return fmt.Errorf("%w: short record (%d bytes)", ErrInvalidMode, len(data))
	}

	e := binary.NativeEndian
	name := data[36:68]
	if i := strings.IndexByte(string(name), 0); i >= 0 {
		name = name[:i]
	}

	*m = DisplayMode{
		Clock:      e.Uint32(data[0:]),
		HDisplay:   e.Uint16(data[4:]),
		HSyncStart: e.Uint16(data[6:]),
		HSyncEnd:   e.Uint16(data[8:]),
		HTotal:     e.Uint16(data[10:]),
		HSkew:      e.Uint16(data[12:]),
		VDisplay:   e.Uint16(data[14:]),
		VSyncStart: e.Uint16(data[16:]),
		VSyncEnd:   e.Uint16(data[18:]),
		VTotal:     e.Uint16(data[20:]),
		VScan:      e.Uint16(data[22:]),
		VRefresh:   e.Uint32(data[24:]),
		Flags:      e.Uint32(data[28:]),
		Type:       e.Uint32(data[32:]),
		Name:       string(name),
	}
	return nil
}

// ColorMatrix is a row-major 3x3 color transform applied by the CRTC.
type ColorMatrix [9]float64

// IdentityColorMatrix leaves colors untouched.
var IdentityColorMatrix = ColorMatrix{1, 0, 0, 0, 1, 0, 0, 0, 1}

// MarshalBinary encodes the matrix as struct drm_color_ctm: nine S31.32
// sign-magnitude fixed point values.
func (c ColorMatrix) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8*len(c))
	for i, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= 1<<31 {
			return nil, fmt.Errorf("%w: coefficient %d is %v", ErrInvalidColorMatrix, i, v)
		}
		mag := uint64(math.Round(math.Abs(v) * (1 << 32)))
		if v < 0 {
			mag |= 1 << 63
		}
		binary.NativeEndian.PutUint64(buf[i*8:], mag)
	}
	return buf, nil
}
