package store

import (
	"path/filepath"
	"testing"

	"github.com/mzyy94/scanrelay/internal/device"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scanrelay.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultPresetSeeded(t *testing.T) {
	s := openTestStore(t)
	p, err := s.Preset("Default")
	if err != nil {
		t.Fatalf("Default preset missing: %v", err)
	}
	if p.Resolution != 300 {
		t.Errorf("Default resolution = %d, want 300", p.Resolution)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if got != DefaultSettings() {
		t.Errorf("fresh store settings = %+v, want defaults", got)
	}

	want := Settings{DefaultPreset: "Receipts", SavePath: "/scans", SplitOnBlankPages: false, BlankThreshold: 0.9}
	if err := s.SaveSettings(want); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	got, err = s.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}
}

func TestPresetCatalog(t *testing.T) {
	s := openTestStore(t)

	receipts := device.Preset{Name: "Receipts", Resolution: 200, ColorMode: device.ColorGray, Source: device.SourceFeeder}
	if err := s.SavePreset(receipts); err != nil {
		t.Fatalf("SavePreset failed: %v", err)
	}

	p, err := s.Preset("Receipts")
	if err != nil {
		t.Fatalf("Preset failed: %v", err)
	}
	if p.Resolution != 200 || p.ColorMode != device.ColorGray {
		t.Errorf("loaded preset = %+v", p)
	}

	list, err := s.ListPresets()
	if err != nil {
		t.Fatalf("ListPresets failed: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Default" || list[1].Name != "Receipts" {
		t.Errorf("preset list = %v, want [Default Receipts] sorted", list)
	}

	if err := s.DeletePreset("Default"); err == nil {
		t.Error("DeletePreset allowed removing the Default preset")
	}
	if err := s.DeletePreset("Receipts"); err != nil {
		t.Fatalf("DeletePreset failed: %v", err)
	}
	if _, err := s.Preset("Receipts"); err == nil {
		t.Error("deleted preset still resolvable")
	}
}
