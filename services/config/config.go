// Package config owns the node's persisted settings blob.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"sensornode-go/bus"
	"sensornode-go/types"
)

// Version is bumped whenever Settings changes incompatibly. A stored blob
// with another version is discarded in favour of defaults.
const Version = 3

var TopicSettings = bus.T("config", "settings")

// Settings is the versioned settings blob.
type Settings struct {
	Version     uint16 `yaml:"version"`
	Profile     string `yaml:"profile"`
	DeviceID    uint32 `yaml:"device_id"`
	DeviceLabel string `yaml:"device_label,omitempty"`

	WAN                 types.WANMode `yaml:"wan"`
	Flags               types.Flags   `yaml:"flags"`
	OneshotMinutes      uint32        `yaml:"oneshot_minutes"`
	OneshotCellMinutes  uint32        `yaml:"oneshot_cell_minutes"`
	StatsMinutes        uint32        `yaml:"stats_minutes"`
	MobilePeriodSeconds uint16        `yaml:"mobile_period_seconds"`
	RestartDays         uint16        `yaml:"restart_days"`

	Product      string `yaml:"product"`
	Sensors      uint32 `yaml:"sensors"`
	SensorParams string `yaml:"sensor_params,omitempty"`

	Region string `yaml:"region,omitempty"`
	DevEUI string `yaml:"dev_eui,omitempty"`
	AppEUI string `yaml:"app_eui,omitempty"`
	AppKey string `yaml:"app_key,omitempty"`

	APN     string `yaml:"apn,omitempty"`
	Service string `yaml:"service,omitempty"`

	GPSLat    float32 `yaml:"gps_lat,omitempty"`
	GPSLon    float32 `yaml:"gps_lon,omitempty"`
	GPSAlt    float32 `yaml:"gps_alt,omitempty"`
	LKGLat    float32 `yaml:"lkg_lat,omitempty"`
	LKGLon    float32 `yaml:"lkg_lon,omitempty"`
	LKGAlt    float32 `yaml:"lkg_alt,omitempty"`
	LogLevel  string  `yaml:"log_level,omitempty"`
	UptimeDay uint32  `yaml:"uptime_days,omitempty"`
}

// StaticGPS reports whether a fixed location is configured.
func (s Settings) StaticGPS() bool { return s.GPSLat != 0 && s.GPSLon != 0 }

// EmbeddedProfiles are the compiled-in defaults, keyed by profile name.
var EmbeddedProfiles = map[string]string{
	"solarcast": `
version: 3
profile: solarcast
wan: auto
oneshot_minutes: 15
oneshot_cell_minutes: 60
stats_minutes: 720
product: solarcast
sensors: 0xffffffff
region: us
apn: soracom.io
service: tt.safecast.org:8081
`,
	"nano": `
version: 3
profile: nano
wan: lorawan
flags: 0x20
oneshot_minutes: 0
stats_minutes: 720
product: nano
sensors: 0xffffffff
region: eu
`,
}

// EmbeddedLookup resolves a profile to its default YAML. Tests override it.
var EmbeddedLookup = func(profile string) ([]byte, bool) {
	s, ok := EmbeddedProfiles[profile]
	return []byte(s), ok
}

// Defaults returns the compiled-in settings for profile.
func Defaults(profile string) (Settings, error) {
	raw, ok := EmbeddedLookup(profile)
	if !ok || len(raw) == 0 {
		return Settings{}, fmt.Errorf("config: no embedded profile %q", profile)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("config: profile %q: %w", profile, err)
	}
	s.Version = Version
	return s, nil
}

// Store persists settings. Save is always explicit.
type Store interface {
	Load() (Settings, error)
	Save(Settings) error
}

// ErrNotFound is returned by a Store that has nothing saved yet.
var ErrNotFound = errors.New("config: not found")

// FileStore keeps settings as a YAML file.
type FileStore struct {
	Path string
}

func (f FileStore) Load() (Settings, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", f.Path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", f.Path, err)
	}
	return s, nil
}

func (f FileStore) Save(s Settings) error {
	raw, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("config: rename %s: %w", f.Path, err)
	}
	return nil
}

// MemStore keeps settings in RAM; boards without flash persistence use it.
type MemStore struct {
	mu    sync.Mutex
	saved *Settings
	Saves int
}

func (m *MemStore) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return Settings{}, ErrNotFound
	}
	return *m.saved, nil
}

func (m *MemStore) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &s
	m.Saves++
	return nil
}

// Service holds the active settings and publishes them retained on the bus.
type Service struct {
	log     logr.Logger
	store   Store
	profile string
	cur     Settings
}

func NewService(store Store, profile string, log logr.Logger) *Service {
	return &Service{store: store, profile: profile, log: log.WithName("config")}
}

// Load reads the store, falling back to the profile defaults when nothing is
// saved or the saved blob has another version.
func (s *Service) Load() (Settings, error) {
	st, err := s.store.Load()
	switch {
	case err == nil && st.Version == Version:
		s.cur = st
		return st, nil
	case err == nil:
		s.log.Info("discarding settings of another version", "version", st.Version, "want", Version)
	case !errors.Is(err, ErrNotFound):
		s.log.Error(err, "settings unreadable, using defaults")
	}
	def, derr := Defaults(s.profile)
	if derr != nil {
		return Settings{}, derr
	}
	s.cur = def
	return def, nil
}

// Current returns the active settings.
func (s *Service) Current() Settings { return s.cur }

// Update replaces the active settings without saving.
func (s *Service) Update(st Settings) { st.Version = Version; s.cur = st }

// Save persists the active settings.
func (s *Service) Save() error {
	if err := s.store.Save(s.cur); err != nil {
		return err
	}
	s.log.Info("settings saved")
	return nil
}

// Publish announces the active settings as a retained message.
func (s *Service) Publish(conn *bus.Connection) {
	conn.Publish(conn.NewMessage(TopicSettings, s.cur, true))
}

// ParseSensorParams reads per-group repeat overrides from strings such as
// "g-air.r=5/g-geiger.r=1". Values are minutes and are returned as seconds.
// Malformed entries are skipped.
func ParseSensorParams(params string) map[string]uint32 {
	out := map[string]uint32{}
	for _, entry := range strings.Split(params, "/") {
		key, val, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		group, field, ok := strings.Cut(key, ".")
		if !ok || field != "r" || group == "" {
			continue
		}
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			continue
		}
		out[group] = uint32(n) * 60
	}
	return out
}
