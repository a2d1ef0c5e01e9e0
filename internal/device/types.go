package device

import (
	"fmt"
	"time"
)

// ColorMode represents scan color modes.
type ColorMode string

const (
	ColorAuto  ColorMode = "auto"
	ColorColor ColorMode = "color"
	ColorGray  ColorMode = "grayscale"
	ColorBW    ColorMode = "bw"
)

// Source is the physical scanning path.
type Source string

const (
	SourceFlatbed Source = "flatbed"
	SourceFeeder  Source = "feeder"
)

// Area is a custom scan area in 1/1200 inch units.
type Area struct {
	OffsetX uint16
	OffsetY uint16
	Width   uint16
	Height  uint16
}

// Handle identifies one discovered scanning device. Handles are
// produced by driver discovery, never constructed by callers.
type Handle struct {
	ID    string
	Model string
}

// Capabilities describes what a connected device supports, returned
// by the driver at connect time. Every requested setting is validated
// against it before any hardware configuration call.
type Capabilities struct {
	Model       string
	Resolutions []int // supported DPI values, ascending
	ColorModes  []ColorMode
	BitDepths   []int
	Flatbed     bool
	Feeder      bool
	Duplex      bool
	MaxWidth    uint16 // 1/1200 inch
	MaxHeight   uint16 // 1/1200 inch
}

// ClosestResolution returns the supported resolution nearest to dpi.
// A zero or negative dpi selects the highest supported resolution.
func (c Capabilities) ClosestResolution(dpi int) int {
	if len(c.Resolutions) == 0 {
		return dpi
	}
	if dpi <= 0 {
		return c.Resolutions[len(c.Resolutions)-1]
	}
	best := c.Resolutions[0]
	for _, r := range c.Resolutions {
		if abs(r-dpi) < abs(best-dpi) {
			best = r
		}
	}
	return best
}

// SupportsColorMode reports whether mode is available on the device.
func (c Capabilities) SupportsColorMode(mode ColorMode) bool {
	if mode == ColorAuto {
		return true
	}
	for _, m := range c.ColorModes {
		if m == mode {
			return true
		}
	}
	return false
}

// SupportsBitDepth reports whether the device can scan at the given depth.
// Zero means "device default" and is always accepted.
func (c Capabilities) SupportsBitDepth(depth int) bool {
	if depth == 0 {
		return true
	}
	for _, d := range c.BitDepths {
		if d == depth {
			return true
		}
	}
	return false
}

// HasSource reports whether the physical source exists on the device.
func (c Capabilities) HasSource(src Source) bool {
	switch src {
	case SourceFlatbed:
		return c.Flatbed
	case SourceFeeder:
		return c.Feeder
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Preset is the immutable per-request scan configuration supplied by
// the caller. The session may clamp or substitute values but reports
// what it actually used in the result metadata.
type Preset struct {
	Name          string
	Resolution    int // requested DPI; clamped to nearest supported
	ColorMode     ColorMode
	Source        Source
	Duplex        bool
	BitDepth      int // 0 = device default
	Area          *Area
	FrontRotation int // degrees, per-side orientation
	BackRotation  int
}

// DefaultPreset returns the built-in "Default" preset.
func DefaultPreset() Preset {
	return Preset{
		Name:       "Default",
		Resolution: 300,
		ColorMode:  ColorAuto,
		Source:     SourceFeeder,
		Duplex:     true,
	}
}

// Settings is the configuration actually applied to the device after
// validation and clamping.
type Settings struct {
	Resolution    int
	ColorMode     ColorMode
	Source        Source
	Duplex        bool
	BitDepth      int
	Area          *Area
	FrontRotation int
	BackRotation  int
}

func (s Settings) String() string {
	return fmt.Sprintf("%ddpi %s %s duplex=%t", s.Resolution, s.ColorMode, s.Source, s.Duplex)
}

// Page holds a single scanned page image as delivered by the driver.
type Page struct {
	Index    int
	Data     []byte // encoded image data (JPEG)
	BitDepth int
}

// Result is the outcome of one successful scan: ordered pages plus
// the metadata the device actually used. Immutable once returned.
type Result struct {
	Pages       []Page
	Resolution  int
	ColorMode   ColorMode
	Source      Source
	DeviceModel string
	ScannedAt   time.Time
}
