package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// SimDriver is a simulated scanning device: fixed per-page delay,
// synthetic JPEG pages, deterministic metadata. It is interchangeable
// with a hardware-backed driver and doubles as the demo device when no
// real hardware is attached.
type SimDriver struct {
	PageDelay time.Duration // simulated time per page
	PageCount int           // pages produced by a feeder scan, default 3

	mu        sync.Mutex
	connected bool
}

const simHandleID = "sim-0"

// SimHandle returns the handle the simulated driver advertises.
func SimHandle() Handle {
	return Handle{ID: simHandleID, Model: "SimScan 1000"}
}

func (d *SimDriver) Discover(ctx context.Context, event func(DiscoveryEvent)) error {
	event(DiscoveryEvent{Handle: SimHandle()})
	<-ctx.Done()
	return nil
}

func (d *SimDriver) Connect(ctx context.Context, h Handle) (Capabilities, error) {
	if h.ID != simHandleID {
		return Capabilities{}, fmt.Errorf("unknown device %q", h.ID)
	}
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return Capabilities{}, ctx.Err()
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return Capabilities{
		Model:       "SimScan 1000",
		Resolutions: []int{150, 200, 300, 600},
		ColorModes:  []ColorMode{ColorColor, ColorGray, ColorBW},
		BitDepths:   []int{1, 8, 24},
		Flatbed:     true,
		Feeder:      true,
		Duplex:      true,
		MaxWidth:    0x28D0,
		MaxHeight:   0xA1D0,
	}, nil
}

func (d *SimDriver) Disconnect(h Handle) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *SimDriver) Alive(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *SimDriver) Scan(ctx context.Context, h Handle, s Settings, onPage func(Page)) error {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return fmt.Errorf("device %q not connected", h.ID)
	}

	count := d.PageCount
	if count == 0 {
		count = 3
	}
	if s.Source == SourceFlatbed {
		count = 1
	}
	delay := d.PageDelay
	if delay == 0 {
		delay = 20 * time.Millisecond
	}

	for i := 0; i < count; i++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		data, err := renderSimPage(i, s)
		if err != nil {
			return fmt.Errorf("render page %d: %w", i, err)
		}
		depth := s.BitDepth
		if depth == 0 {
			depth = 24
		}
		onPage(Page{Index: i, Data: data, BitDepth: depth})
	}
	return nil
}

// renderSimPage draws a deterministic synthetic page: a light gray
// sheet with dark bars whose offset encodes the page index, so pages
// are visually distinguishable and byte-stable for a given input.
func renderSimPage(index int, s Settings) ([]byte, error) {
	const w, h = 240, 320
	sheet := imaging.New(w, h, color.NRGBA{R: 245, G: 245, B: 240, A: 255})

	bar := imaging.New(w-40, 12, color.NRGBA{R: 40, G: 40, B: 60, A: 255})
	for row := 0; row < 6; row++ {
		y := 30 + row*45 + (index*7)%30
		if y+12 > h {
			break
		}
		sheet = imaging.Paste(sheet, bar, image.Pt(20, y))
	}
	if s.ColorMode == ColorGray || s.ColorMode == ColorBW {
		sheet = imaging.Grayscale(sheet)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, sheet, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
