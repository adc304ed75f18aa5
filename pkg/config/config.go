package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Limits      LimitsConfig      `yaml:"limits"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	CharDelay   time.Duration `yaml:"char_delay"` // Gap between transmitted characters; the driver has no receive FIFO
}

// LimitsConfig bounds the manual set-points accepted by the control surface.
type LimitsConfig struct {
	FrequencyMinKHz float64 `yaml:"frequency_min_khz"`
	FrequencyMaxKHz float64 `yaml:"frequency_max_khz"`
	VoltageMin      float64 `yaml:"voltage_min"`
	VoltageMax      float64 `yaml:"voltage_max"`
}

// AcquisitionConfig contains the periods of the telemetry tasks run while plasma is active.
type AcquisitionConfig struct {
	SupplyPeriod    time.Duration `yaml:"supply_period"`
	FrequencyPeriod time.Duration `yaml:"frequency_period"`
	LogPeriod       time.Duration `yaml:"log_period"`
	JoinTimeout     time.Duration `yaml:"join_timeout"`
	PlotWindow      time.Duration `yaml:"plot_window"`
	MaxPlotPoints   int           `yaml:"max_plot_points"`
}

// LogConfig contains logger configuration.
type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // text or json
	Output   string `yaml:"output"` // stdout or file
	FilePath string `yaml:"file_path"`
}

// MetricsConfig contains the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MockConfig contains simulated driver configuration.
type MockConfig struct {
	FrequencyHz  int           `yaml:"frequency_hz"`   // H-bridge frequency after strike
	Deadtime     int           `yaml:"deadtime"`       // Dead time (%)
	RowsPerBlock int           `yaml:"rows_per_block"` // Telemetry rows returned per log query
	NoiseLevel   float64       `yaml:"noise_level"`    // Noise amplitude on simulated voltages (V)
	MinCharGap   time.Duration `yaml:"min_char_gap"`   // Characters arriving faster than this are dropped
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "/dev/ttyACM0", // "COM3" on Windows
			BaudRate:    115200,
			ReadTimeout: 100 * time.Millisecond,
			CharDelay:   10 * time.Millisecond,
		},
		Limits: LimitsConfig{
			FrequencyMinKHz: 20,
			FrequencyMaxKHz: 65,
			VoltageMin:      200,
			VoltageMax:      400,
		},
		Acquisition: AcquisitionConfig{
			SupplyPeriod:    500 * time.Millisecond,
			FrequencyPeriod: 100 * time.Millisecond,
			LogPeriod:       time.Millisecond,
			JoinTimeout:     2 * time.Second,
			PlotWindow:      10 * time.Second,
			MaxPlotPoints:   1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Mock: MockConfig{
			FrequencyHz:  45000,
			Deadtime:     1,
			RowsPerBlock: 4,
			NoiseLevel:   0.5,
			MinCharGap:   0,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects configurations that would put the driver at risk.
func (c *Config) Validate() error {
	if c.Serial.CharDelay < 10*time.Millisecond {
		return fmt.Errorf("serial.char_delay %v is below the 10ms the driver needs between characters", c.Serial.CharDelay)
	}
	if c.Limits.FrequencyMinKHz >= c.Limits.FrequencyMaxKHz {
		return fmt.Errorf("limits: frequency range %.1f-%.1f kHz is empty", c.Limits.FrequencyMinKHz, c.Limits.FrequencyMaxKHz)
	}
	if c.Limits.VoltageMin >= c.Limits.VoltageMax {
		return fmt.Errorf("limits: voltage range %.0f-%.0f V is empty", c.Limits.VoltageMin, c.Limits.VoltageMax)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.CharDelay == 0 {
		c.Serial.CharDelay = def.Serial.CharDelay
	}

	if c.Limits.FrequencyMinKHz == 0 {
		c.Limits.FrequencyMinKHz = def.Limits.FrequencyMinKHz
	}
	if c.Limits.FrequencyMaxKHz == 0 {
		c.Limits.FrequencyMaxKHz = def.Limits.FrequencyMaxKHz
	}
	if c.Limits.VoltageMin == 0 {
		c.Limits.VoltageMin = def.Limits.VoltageMin
	}
	if c.Limits.VoltageMax == 0 {
		c.Limits.VoltageMax = def.Limits.VoltageMax
	}

	if c.Acquisition.SupplyPeriod == 0 {
		c.Acquisition.SupplyPeriod = def.Acquisition.SupplyPeriod
	}
	if c.Acquisition.FrequencyPeriod == 0 {
		c.Acquisition.FrequencyPeriod = def.Acquisition.FrequencyPeriod
	}
	if c.Acquisition.LogPeriod == 0 {
		c.Acquisition.LogPeriod = def.Acquisition.LogPeriod
	}
	if c.Acquisition.JoinTimeout == 0 {
		c.Acquisition.JoinTimeout = def.Acquisition.JoinTimeout
	}
	if c.Acquisition.PlotWindow == 0 {
		c.Acquisition.PlotWindow = def.Acquisition.PlotWindow
	}
	if c.Acquisition.MaxPlotPoints == 0 {
		c.Acquisition.MaxPlotPoints = def.Acquisition.MaxPlotPoints
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.Output == "" {
		c.Log.Output = def.Log.Output
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = def.Metrics.Addr
	}

	if c.Mock.FrequencyHz == 0 {
		c.Mock.FrequencyHz = def.Mock.FrequencyHz
	}
	if c.Mock.Deadtime == 0 {
		c.Mock.Deadtime = def.Mock.Deadtime
	}
	if c.Mock.RowsPerBlock == 0 {
		c.Mock.RowsPerBlock = def.Mock.RowsPerBlock
	}
}
