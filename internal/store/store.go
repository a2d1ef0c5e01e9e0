package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mzyy94/scanrelay/internal/device"
)

const (
	settingsBucket = "settings"
	presetsBucket  = "presets"

	settingsKey = "current"
)

// Settings holds user-configurable scan and document defaults.
type Settings struct {
	DefaultPreset     string  `json:"defaultPreset"`
	SavePath          string  `json:"savePath"`
	SplitOnBlankPages bool    `json:"splitOnBlankPages"`
	BlankThreshold    float64 `json:"blankThreshold"` // 0..1, fraction of near-white pixels
	DropBlankPages    bool    `json:"dropBlankPages"`
}

// DefaultSettings returns the defaults used when no settings have been saved.
func DefaultSettings() Settings {
	return Settings{
		DefaultPreset:     "Default",
		SplitOnBlankPages: true,
		BlankThreshold:    0.98,
		DropBlankPages:    true,
	}
}

// Store persists settings and the preset catalog in a bbolt database.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the database at path and seeds the
// built-in Default preset on first use.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(settingsBucket)); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists([]byte(presetsBucket))
		if err != nil {
			return err
		}
		if b.Get([]byte("Default")) == nil {
			data, err := json.Marshal(device.DefaultPreset())
			if err != nil {
				return err
			}
			return b.Put([]byte("Default"), data)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Settings returns the saved settings, or defaults when none exist.
func (s *Store) Settings() (Settings, error) {
	settings := DefaultSettings()
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(settingsBucket)).Get([]byte(settingsKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return DefaultSettings(), fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces the saved settings.
func (s *Store) SaveSettings(settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Put([]byte(settingsKey), data)
	})
}

// Preset looks up a preset by name.
func (s *Store) Preset(name string) (device.Preset, error) {
	var p device.Preset
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(presetsBucket)).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("preset %q not found", name)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return device.Preset{}, err
	}
	p.Name = name
	return p, nil
}

// SavePreset adds or replaces a named preset.
func (s *Store) SavePreset(p device.Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preset %q: %w", p.Name, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(presetsBucket)).Put([]byte(p.Name), data)
	})
}

// DeletePreset removes a named preset. Deleting the built-in Default
// preset is rejected.
func (s *Store) DeletePreset(name string) error {
	if name == "Default" {
		return fmt.Errorf("the Default preset cannot be deleted")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(presetsBucket)).Delete([]byte(name))
	})
}

// ListPresets returns all presets sorted by name.
func (s *Store) ListPresets() ([]device.Preset, error) {
	var presets []device.Preset
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(presetsBucket)).ForEach(func(k, v []byte) error {
			var p device.Preset
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode preset %q: %w", k, err)
			}
			p.Name = string(k)
			presets = append(presets, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets, nil
}
