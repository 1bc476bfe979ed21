package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

// DeviceDefinition describes a capture source that profiles can reference by ID
type DeviceDefinition struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Name    string `mapstructure:"name" yaml:"name"`
	Backend string `mapstructure:"backend" yaml:"backend"`
	Source  string `mapstructure:"source" yaml:"source"`
}

type GlobalsConfig struct {
	Output OutputConfig `mapstructure:"output" yaml:"output"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	FFmpeg string       `mapstructure:"ffmpeg" yaml:"ffmpeg"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// ConfigProfile is a named capture preset as written in the config file
type ConfigProfile struct {
	Device   string         `mapstructure:"device" yaml:"device"` // reference to definitions.devices[].id
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
}

// Config is the fully resolved configuration for one run
type Config struct {
	Profile  string         `mapstructure:"-" yaml:"profile"`
	Device   DeviceConfig   `mapstructure:"device" yaml:"device"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type DeviceConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=auto pulse pipewire alsa avfoundation dshow synthetic"`
	Source  string `mapstructure:"source" yaml:"source" validate:"required"`
	FFmpeg  string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
}

type CaptureConfig struct {
	EchoCancellation   bool     `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression   bool     `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	SampleRate         int      `mapstructure:"sample_rate" yaml:"sample_rate" validate:"min=8000,max=192000"`
	Channels           int      `mapstructure:"channels" yaml:"channels" validate:"min=1,max=2"`
	Bitrate            int      `mapstructure:"bitrate" yaml:"bitrate" validate:"min=0"`
	MaxDurationMinutes float64  `mapstructure:"max_duration_minutes" yaml:"max_duration_minutes" validate:"gt=0,max=1440"`
	FormatPreference   []string `mapstructure:"format_preference" yaml:"format_preference" validate:"dive,startswith=audio/"`
	ChunkIntervalMs    int      `mapstructure:"chunk_interval_ms" yaml:"chunk_interval_ms" validate:"min=100,max=60000"`
	MeterRateHz        int      `mapstructure:"meter_rate_hz" yaml:"meter_rate_hz" validate:"min=1,max=240"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory" validate:"required"`
	Metadata  bool   `mapstructure:"metadata" yaml:"metadata"` // write a YAML sidecar next to each take
}

type PlaybackConfig struct {
	Player string `mapstructure:"player" yaml:"player" validate:"omitempty,oneof=ffplay mpv vlc aplay"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"min=0"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address" validate:"required"`
}

type InheritanceInfo struct {
	Device   string            // "inherited" or "profile-specific"
	Capture  map[string]string // capture key -> "inherited" or "profile-specific"
	Output   struct{ Directory string }
	Playback struct{ Player string }
}

// DefaultFormatPreference lists the container formats asked for when a
// profile does not say otherwise, most preferred first.
var DefaultFormatPreference = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/wav",
}

var defaultConfig = Config{
	Profile: "default",
	Device: DeviceConfig{
		Name:    "default",
		Backend: "auto",
		Source:  "default",
		FFmpeg:  "ffmpeg",
	},
	Capture: CaptureConfig{
		EchoCancellation:   true,
		NoiseSuppression:   true,
		SampleRate:         48000,
		Channels:           1,
		Bitrate:            128000,
		MaxDurationMinutes: 120,
		ChunkIntervalMs:    1000,
		MeterRateHz:        60,
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "MemoCapture"),
	},
	Log: LogConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
	Server: ServerConfig{
		Address: "127.0.0.1:8787",
	},
}

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	c := defaultConfig
	c.Capture.FormatPreference = append([]string(nil), DefaultFormatPreference...)
	return &c
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Non-default profiles inherit whatever they leave unset from "default",
	// which itself inherits from the built-in defaults.
	base := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			resolvedDefault, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = mergeConfigs(base, resolvedDefault)
		}
	}
	selectedConfig = mergeConfigs(base, selectedConfig)
	selectedConfig.Profile = configName

	// Globals take priority over anything profile-specific
	if g := rootConfig.Globals; g != nil {
		if g.Output.Directory != "" {
			selectedConfig.Output.Directory = g.Output.Directory
		}
		if g.Log.File != "" {
			selectedConfig.Log.File = g.Log.File
		}
		if g.Log.MaxSizeMB > 0 {
			selectedConfig.Log.MaxSizeMB = g.Log.MaxSizeMB
		}
		if g.Log.MaxBackups > 0 {
			selectedConfig.Log.MaxBackups = g.Log.MaxBackups
		}
		if g.Log.MaxAgeDays > 0 {
			selectedConfig.Log.MaxAgeDays = g.Log.MaxAgeDays
		}
		if g.Server.Address != "" {
			selectedConfig.Server.Address = g.Server.Address
		}
		if g.FFmpeg != "" {
			selectedConfig.Device.FFmpeg = g.FFmpeg
		}
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Log.File = expandPath(selectedConfig.Log.File)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	configs := v.GetStringMap("configs")
	if _, ok := configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ProfileNames returns the profile names defined in root, sorted
func ProfileNames(root *RootConfig) []string {
	names := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving the device reference
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Capture:  profile.Capture,
		Output:   profile.Output,
		Playback: profile.Playback,
	}

	if profile.Device == "" {
		return config, nil
	}

	var definition *DeviceDefinition
	if definitions != nil {
		for i := range definitions.Devices {
			if definitions.Devices[i].ID == profile.Device {
				definition = &definitions.Devices[i]
				break
			}
		}
	}
	if definition == nil {
		return nil, fmt.Errorf("device: reference '%s' not found in definitions", profile.Device)
	}

	config.Device = DeviceConfig{
		Name:    definition.Name,
		Backend: definition.Backend,
		Source:  definition.Source,
	}
	if config.Device.Name == "" {
		config.Device.Name = definition.ID
	}

	return config, nil
}

// mergeConfigs overlays every value set in profile onto base. Zero values in
// profile mean "inherit"; booleans always come from the profile, so a profile
// that omits echo_cancellation turns it off.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{Capture: make(map[string]string)}

	if base != nil {
		*result = *base
		result.Capture.FormatPreference = append([]string(nil), base.Capture.FormatPreference...)
		result.Inheritance = &InheritanceInfo{Capture: make(map[string]string)}
		result.Inheritance.Device = "inherited"
		result.Inheritance.Output.Directory = "inherited"
		result.Inheritance.Playback.Player = "inherited"
		for _, key := range captureKeys {
			result.Inheritance.Capture[key] = "inherited"
		}
	}

	if profile == nil {
		return result
	}

	if profile.Device.Source != "" {
		ffmpeg := result.Device.FFmpeg
		result.Device = profile.Device
		if result.Device.FFmpeg == "" {
			result.Device.FFmpeg = ffmpeg
		}
		if result.Device.Backend == "" {
			result.Device.Backend = "auto"
		}
		result.Inheritance.Device = "profile-specific"
	}

	pc := profile.Capture
	mark := func(key string) { result.Inheritance.Capture[key] = "profile-specific" }

	result.Capture.EchoCancellation = pc.EchoCancellation
	result.Capture.NoiseSuppression = pc.NoiseSuppression
	mark("echo_cancellation")
	mark("noise_suppression")

	if pc.SampleRate != 0 {
		result.Capture.SampleRate = pc.SampleRate
		mark("sample_rate")
	}
	if pc.Channels != 0 {
		result.Capture.Channels = pc.Channels
		mark("channels")
	}
	if pc.Bitrate != 0 {
		result.Capture.Bitrate = pc.Bitrate
		mark("bitrate")
	}
	if pc.MaxDurationMinutes != 0 {
		result.Capture.MaxDurationMinutes = pc.MaxDurationMinutes
		mark("max_duration_minutes")
	}
	if len(pc.FormatPreference) > 0 {
		result.Capture.FormatPreference = append([]string(nil), pc.FormatPreference...)
		mark("format_preference")
	}
	if pc.ChunkIntervalMs != 0 {
		result.Capture.ChunkIntervalMs = pc.ChunkIntervalMs
		mark("chunk_interval_ms")
	}
	if pc.MeterRateHz != 0 {
		result.Capture.MeterRateHz = pc.MeterRateHz
		mark("meter_rate_hz")
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	result.Output.Metadata = profile.Output.Metadata || result.Output.Metadata

	if profile.Playback.Player != "" {
		result.Playback.Player = profile.Playback.Player
		result.Inheritance.Playback.Player = "profile-specific"
	}

	return result
}

var captureKeys = []string{
	"echo_cancellation",
	"noise_suppression",
	"sample_rate",
	"channels",
	"bitrate",
	"max_duration_minutes",
	"format_preference",
	"chunk_interval_ms",
	"meter_rate_hz",
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report field paths the way they are written in the YAML file
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a resolved configuration
func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			path := fe.Namespace()
			if i := strings.Index(path, "."); i >= 0 {
				path = path[i+1:]
			}
			if fe.Param() != "" {
				return fmt.Errorf("%s: must satisfy '%s=%s', got: %v", path, fe.Tag(), fe.Param(), fe.Value())
			}
			return fmt.Errorf("%s: must satisfy '%s', got: %v", path, fe.Tag(), fe.Value())
		}
		return err
	}

	seen := make(map[string]bool)
	for i, format := range c.Capture.FormatPreference {
		key := strings.ToLower(strings.TrimSpace(format))
		if seen[key] {
			return fmt.Errorf("capture.format_preference[%d]: duplicate format '%s'", i, format)
		}
		seen[key] = true
	}

	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("MEMOCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefault(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if err := validateDeviceReference(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile in configs", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}

// setDefault registers the keys that may be overridden from the environment
// without appearing in the file, e.g. MEMOCAPTURE_GLOBALS_SERVER_ADDRESS.
func setDefault(v *viper.Viper) {
	v.SetDefault("active_config", "")
	v.SetDefault("globals.output.directory", "")
	v.SetDefault("globals.log.file", "")
	v.SetDefault("globals.log.max_size_mb", 0)
	v.SetDefault("globals.log.max_backups", 0)
	v.SetDefault("globals.log.max_age_days", 0)
	v.SetDefault("globals.server.address", "")
	v.SetDefault("globals.ffmpeg", "")
}

// validateDefinitions validates the optional definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Devices {
		prefix := fmt.Sprintf("definitions.devices[%d]", i)

		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Source == "" {
			return fmt.Errorf("%s: 'source' is required", prefix)
		}
		switch def.Backend {
		case "", "auto", "pulse", "pipewire", "alsa", "avfoundation", "dshow", "synthetic":
		default:
			return fmt.Errorf("%s: unknown backend '%s'", prefix, def.Backend)
		}
	}

	return nil
}

func validateDeviceReference(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil || profile.Device == "" {
		return nil
	}
	if definitions != nil {
		for _, def := range definitions.Devices {
			if def.ID == profile.Device {
				return nil
			}
		}
	}
	return fmt.Errorf("device: references undefined device definition '%s'", profile.Device)
}
