// Package esclbridge exposes the relay's device session as an eSCL
// scanner so stock AirPrint/sane-airscan clients on the local network
// can scan through it without the relay protocol.
package esclbridge

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/OpenPrinting/go-mfp/util/generic"
	"github.com/OpenPrinting/go-mfp/util/optional"
	"github.com/OpenPrinting/go-mfp/util/uuid"

	"github.com/mzyy94/scanrelay/internal/device"
)

// ScanExecutor runs one scan with exclusive device ownership.
// Implemented by the orchestrator.
type ScanExecutor interface {
	ScanExclusive(ctx context.Context, preset device.Preset) (*device.Result, error)
}

// Adapter implements abstract.Scanner over the device session.
type Adapter struct {
	executor ScanExecutor
	devCaps  device.Capabilities
	caps     *abstract.ScannerCapabilities

	mu       sync.Mutex
	adfEmpty bool // true after a scan session completes (ADF likely exhausted)
}

// NewAdapter creates an eSCL adapter over the given executor and the
// capability descriptor of the connected device.
func NewAdapter(executor ScanExecutor, devCaps device.Capabilities) *Adapter {
	a := &Adapter{executor: executor, devCaps: devCaps}
	a.caps = a.buildCapabilities()
	return a
}

func (a *Adapter) buildCapabilities() *abstract.ScannerCapabilities {
	var modes []abstract.ColorMode
	for _, m := range a.devCaps.ColorModes {
		switch m {
		case device.ColorColor:
			modes = append(modes, abstract.ColorModeColor)
		case device.ColorGray:
			modes = append(modes, abstract.ColorModeMono)
		case device.ColorBW:
			modes = append(modes, abstract.ColorModeBinary)
		}
	}
	if len(modes) == 0 {
		modes = []abstract.ColorMode{abstract.ColorModeColor}
	}

	resolutions := make([]abstract.Resolution, 0, len(a.devCaps.Resolutions))
	maxRes := 300
	for _, r := range a.devCaps.Resolutions {
		resolutions = append(resolutions, abstract.Resolution{XResolution: r, YResolution: r})
		if r > maxRes {
			maxRes = r
		}
	}
	if len(resolutions) == 0 {
		resolutions = []abstract.Resolution{{XResolution: 300, YResolution: 300}}
	}

	profile := abstract.SettingsProfile{
		ColorModes: generic.MakeBitset(modes...),
		Depths:     generic.MakeBitset(abstract.ColorDepth8),
		BinaryRenderings: generic.MakeBitset(
			abstract.BinaryRenderingThreshold,
		),
		Resolutions: resolutions,
	}

	input := &abstract.InputCapabilities{
		MinWidth:              50 * abstract.Millimeter,
		MaxWidth:              216 * abstract.Millimeter,
		MinHeight:             50 * abstract.Millimeter,
		MaxHeight:             360 * abstract.Millimeter,
		MaxOpticalXResolution: maxRes,
		MaxOpticalYResolution: maxRes,
		Intents: generic.MakeBitset(
			abstract.IntentDocument,
			abstract.IntentPhoto,
			abstract.IntentTextAndGraphic,
		),
		Profiles: []abstract.SettingsProfile{profile},
	}

	model := a.devCaps.Model
	if model == "" {
		model = "ScanRelay"
	}
	deviceUUID := uuid.SHA1(uuid.NameSpaceDNS, "scanrelay."+model)

	caps := &abstract.ScannerCapabilities{
		UUID:            deviceUUID,
		MakeAndModel:    model,
		Manufacturer:    "ScanRelay",
		SerialNumber:    model,
		DocumentFormats: []string{"image/jpeg", "application/pdf"},
		ADFCapacity:     50,
		ADFSimplex:      input,
	}
	if a.devCaps.Duplex {
		caps.ADFDuplex = input
	}
	return caps
}

// Capabilities returns the scanner capabilities.
func (a *Adapter) Capabilities() *abstract.ScannerCapabilities {
	return a.caps
}

// Scan converts an eSCL request into a scan preset and executes it
// under the exclusive device gate.
func (a *Adapter) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(a.caps); err != nil {
		return nil, err
	}

	preset := mapPreset(req)
	slog.Info("escl scan requested",
		"colorMode", req.ColorMode,
		"resolution", req.Resolution,
		"adfMode", req.ADFMode,
		"duplex", preset.Duplex,
	)

	res, err := a.executor.ScanExclusive(ctx, preset)
	a.mu.Lock()
	a.adfEmpty = true
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pages := make([][]byte, len(res.Pages))
	for i, p := range res.Pages {
		pages[i] = p.Data
	}

	r := req.Resolution
	if r.IsZero() {
		r = abstract.Resolution{XResolution: res.Resolution, YResolution: res.Resolution}
	}

	doc := &jpegDocument{res: r, pages: pages}
	if req.DocumentFormat != "" && req.DocumentFormat != "image/jpeg" {
		return abstract.NewFilter(doc, abstract.FilterOptions{
			OutputFormat: req.DocumentFormat,
		}), nil
	}
	return doc, nil
}

// HasPaper reports the cached ADF state. The driver has no paper
// sensor query, so a completed scan session marks the feeder empty
// until the next scan is requested.
func (a *Adapter) HasPaper() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.adfEmpty
}

// Close releases the adapter. The underlying session is owned by the
// caller and stays connected.
func (a *Adapter) Close() error { return nil }

// mapPreset converts an eSCL request to a scan preset.
func mapPreset(req abstract.ScannerRequest) device.Preset {
	p := device.Preset{
		Name:       "eSCL",
		Resolution: 300,
		ColorMode:  device.ColorAuto,
		Source:     device.SourceFeeder,
	}

	switch req.ColorMode {
	case abstract.ColorModeColor:
		p.ColorMode = device.ColorColor
	case abstract.ColorModeMono:
		p.ColorMode = device.ColorGray
	case abstract.ColorModeBinary:
		p.ColorMode = device.ColorBW
	}

	if dpi := req.Resolution.XResolution; dpi > 0 {
		p.Resolution = dpi
	}

	p.Duplex = req.ADFMode == abstract.ADFModeDuplex
	return p
}

// NewHandler builds the eSCL HTTP handler, serving both at /eSCL/ for
// clients that honor the rs TXT record and at the root for those that
// do not.
func NewHandler(a *Adapter) http.Handler {
	srv := escl.NewAbstractServer(escl.AbstractServerOptions{
		Scanner:  a,
		BasePath: "",
		Hooks: escl.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *escl.ScannerStatus) *escl.ScannerStatus {
				if a.HasPaper() {
					status.ADFState = optional.New(escl.ScannerAdfLoaded)
				} else {
					status.ADFState = optional.New(escl.ScannerAdfEmpty)
				}
				return status
			},
		},
	})
	mux := http.NewServeMux()
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", srv))
	mux.Handle("/", srv)
	return mux
}

// --------------------------------------------------------------------------
// Document / DocumentFile implementation for JPEG pages
// --------------------------------------------------------------------------

// jpegDocument wraps scanned JPEG pages as an abstract.Document.
type jpegDocument struct {
	res   abstract.Resolution
	pages [][]byte
	idx   int
}

func (d *jpegDocument) Resolution() abstract.Resolution { return d.res }

func (d *jpegDocument) Next() (abstract.DocumentFile, error) {
	if d.idx >= len(d.pages) {
		return nil, io.EOF
	}
	f := &jpegFile{Reader: bytes.NewReader(d.pages[d.idx])}
	d.idx++
	return f, nil
}

func (d *jpegDocument) Close() error { return nil }

// jpegFile wraps a single JPEG page as an abstract.DocumentFile.
type jpegFile struct {
	*bytes.Reader
}

func (f *jpegFile) Format() string { return "image/jpeg" }
