package device

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"
	"time"
)

func TestSimDriverScanProducesDecodablePages(t *testing.T) {
	d := &SimDriver{PageDelay: time.Millisecond, PageCount: 2}
	s := NewSession(d, TestConfig())

	found, err := s.Discover(context.Background(), nil)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "sim-0" {
		t.Fatalf("discovered %v, want [sim-0]", found)
	}
	if err := s.Connect(context.Background(), found[0]); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := s.Scan(context.Background(), DefaultPreset())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(res.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(res.Pages))
	}
	for i, p := range res.Pages {
		if _, err := jpeg.Decode(bytes.NewReader(p.Data)); err != nil {
			t.Errorf("page %d is not valid JPEG: %v", i, err)
		}
	}
	if res.DeviceModel != "SimScan 1000" {
		t.Errorf("model = %q, want SimScan 1000", res.DeviceModel)
	}
}

func TestSimDriverDeterministicPages(t *testing.T) {
	a, err := renderSimPage(1, Settings{ColorMode: ColorColor})
	if err != nil {
		t.Fatalf("renderSimPage failed: %v", err)
	}
	b, err := renderSimPage(1, Settings{ColorMode: ColorColor})
	if err != nil {
		t.Fatalf("renderSimPage failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same page index rendered different bytes")
	}
	c, _ := renderSimPage(2, Settings{ColorMode: ColorColor})
	if bytes.Equal(a, c) {
		t.Error("different page indexes rendered identical bytes")
	}
}
