// Package settings persists per-user dashboard preferences: calibrated
// delays, display labels and the delay histogram range.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/banshee-data/coincidence.report/internal/fsutil"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
)

// Default histogram range.
const (
	DefaultHistogramStartPs = -8000.0
	DefaultHistogramEndPs   = 8000.0
	DefaultHistogramStepPs  = 50.0
)

// Histogram is the delay scan shown by the dashboards.
type Histogram struct {
	StartPs float64 `json:"start_ps"`
	EndPs   float64 `json:"end_ps"`
	StepPs  float64 `json:"step_ps"`
}

// Validate rejects empty or inverted ranges.
func (h Histogram) Validate() error {
	if h.StepPs <= 0 {
		return fmt.Errorf("histogram step must be positive, got %g", h.StepPs)
	}
	if h.EndPs < h.StartPs {
		return fmt.Errorf("histogram end %g is before start %g", h.EndPs, h.StartPs)
	}
	return nil
}

// Settings is the persisted document.
type Settings struct {
	DelaysPs  map[string]float64 `json:"delays_ps"`
	Channels  map[string]string  `json:"channels"`
	Pairs     map[string]string  `json:"pairs"`
	Histogram Histogram          `json:"histogram"`
}

// Defaults returns an empty document with the default histogram range.
func Defaults() Settings {
	return Settings{
		DelaysPs: map[string]float64{},
		Channels: map[string]string{},
		Pairs:    map[string]string{},
		Histogram: Histogram{
			StartPs: DefaultHistogramStartPs,
			EndPs:   DefaultHistogramEndPs,
			StepPs:  DefaultHistogramStepPs,
		},
	}
}

func (s Settings) clone() Settings {
	return Settings{
		DelaysPs:  maps.Clone(s.DelaysPs),
		Channels:  maps.Clone(s.Channels),
		Pairs:     maps.Clone(s.Pairs),
		Histogram: s.Histogram,
	}
}

// fileDoc mirrors Settings with optional histogram fields so partial
// documents merge over the defaults.
type fileDoc struct {
	DelaysPs  map[string]float64 `json:"delays_ps"`
	Channels  map[string]string  `json:"channels"`
	Pairs     map[string]string  `json:"pairs"`
	Histogram *struct {
		StartPs *float64 `json:"start_ps"`
		EndPs   *float64 `json:"end_ps"`
		StepPs  *float64 `json:"step_ps"`
	} `json:"histogram"`
}

// Parse decodes a settings document over the defaults. Comments and
// trailing commas are tolerated. An invalid histogram range is replaced by
// the default one.
func Parse(data []byte) (Settings, error) {
	s := Defaults()
	var doc fileDoc
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return s, fmt.Errorf("failed to parse settings: %w", err)
	}
	maps.Copy(s.DelaysPs, doc.DelaysPs)
	maps.Copy(s.Channels, doc.Channels)
	maps.Copy(s.Pairs, doc.Pairs)
	if h := doc.Histogram; h != nil {
		if h.StartPs != nil {
			s.Histogram.StartPs = *h.StartPs
		}
		if h.EndPs != nil {
			s.Histogram.EndPs = *h.EndPs
		}
		if h.StepPs != nil {
			s.Histogram.StepPs = *h.StepPs
		}
	}
	if err := s.Histogram.Validate(); err != nil {
		monitoring.Logf("[Settings] ignoring saved histogram range: %v", err)
		s.Histogram = Defaults().Histogram
	}
	return s, nil
}

// DefaultPath is ~/.qlaiblib/settings.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".qlaiblib", "settings.json"), nil
}

// Store holds the loaded document and writes it back on every edit.
type Store struct {
	mu   sync.RWMutex
	fs   fsutil.FileSystem
	path string
	s    Settings
}

// Open loads path from the OS filesystem.
func Open(path string) *Store {
	return OpenFS(fsutil.OSFileSystem{}, path)
}

// OpenFS loads path from fsys. A missing or unreadable document yields the
// defaults; a corrupt one is logged and replaced on the next save.
func OpenFS(fsys fsutil.FileSystem, path string) *Store {
	st := &Store{fs: fsys, path: path, s: Defaults()}
	data, err := fsys.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		monitoring.Logf("[Settings] failed to read %s: %v", path, err)
	default:
		s, err := Parse(data)
		if err != nil {
			monitoring.Logf("[Settings] ignoring %s: %v", path, err)
			break
		}
		st.s = s
	}
	return st
}

// Path is the backing file.
func (st *Store) Path() string { return st.path }

// Get returns a copy of the current document.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.clone()
}

// Delays returns a copy of the saved delays keyed by spec label.
func (st *Store) Delays() map[string]float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return maps.Clone(st.s.DelaysPs)
}

// Delay returns the saved delay for label.
func (st *Store) Delay(label string) (float64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	d, ok := st.s.DelaysPs[label]
	return d, ok
}

// ChannelLabel is the display name of ch, defaulting to "ch<N>".
func (st *Store) ChannelLabel(ch int) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if name, ok := st.s.Channels[strconv.Itoa(ch)]; ok && name != "" {
		return name
	}
	return "ch" + strconv.Itoa(ch)
}

// PairLabel is the display name of a spec label, defaulting to the label.
func (st *Store) PairLabel(label string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if name, ok := st.s.Pairs[label]; ok && name != "" {
		return name
	}
	return label
}

// Histogram returns the saved histogram range.
func (st *Store) Histogram() Histogram {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Histogram
}

// SetDelay saves the delay for a spec label.
func (st *Store) SetDelay(label string, delayPs float64) error {
	return st.update(func(s *Settings) error {
		s.DelaysPs[label] = delayPs
		return nil
	})
}

// SetDelays replaces all saved delays, as after an auto-calibration.
func (st *Store) SetDelays(delays map[string]float64) error {
	return st.update(func(s *Settings) error {
		s.DelaysPs = maps.Clone(delays)
		if s.DelaysPs == nil {
			s.DelaysPs = map[string]float64{}
		}
		return nil
	})
}

// SetChannelLabel saves a display name for ch. An empty name clears it.
func (st *Store) SetChannelLabel(ch int, name string) error {
	return st.update(func(s *Settings) error {
		key := strconv.Itoa(ch)
		if name == "" {
			delete(s.Channels, key)
			return nil
		}
		s.Channels[key] = name
		return nil
	})
}

// SetPairLabel saves a display name for a spec label. An empty name clears
// it.
func (st *Store) SetPairLabel(label, name string) error {
	return st.update(func(s *Settings) error {
		if name == "" {
			delete(s.Pairs, label)
			return nil
		}
		s.Pairs[label] = name
		return nil
	})
}

// SetHistogram saves the histogram range.
func (st *Store) SetHistogram(h Histogram) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return st.update(func(s *Settings) error {
		s.Histogram = h
		return nil
	})
}

// update applies fn to a copy and commits it only if the save succeeds.
func (st *Store) update(fn func(*Settings) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.s.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := st.save(next); err != nil {
		return err
	}
	st.s = next
	return nil
}

// Save writes the current document.
func (st *Store) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.save(st.s)
}

func (st *Store) save(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := fsutil.WriteFileAtomic(st.fs, st.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
