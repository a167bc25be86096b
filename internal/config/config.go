// Package config holds the per-worker configuration structs and validators
// from spec §6, following the teacher's cmd/driver/config.go pattern: tag
// every field for json/toml/yaml, and provide a Check that fills defaults
// and rejects invalid combinations before the orchestrator starts anything.
package config

import (
	"fmt"
	"time"
)

// Capture configures the Capture worker (§4.4, §6).
type Capture struct {
	Source     string  `json:"source" toml:"source" yaml:"source"` // local_device|network_stream|static_file
	Device     string  `json:"device,omitempty" toml:"device,omitempty" yaml:"device,omitempty"`
	Address    string  `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	Path       string  `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
	TargetFPS  float64 `json:"target_fps" toml:"target_fps" yaml:"target_fps"`
	Width      int     `json:"width" toml:"width" yaml:"width"`
	Height     int     `json:"height" toml:"height" yaml:"height"`
	Quality    int     `json:"quality" toml:"quality" yaml:"quality"`
}

// Check fills defaults and validates. Errors here are fatal at orchestrator
// startup (§4.9, §6 "non-zero on failure to start").
func (c *Capture) Check() error {
	switch c.Source {
	case "local_device", "network_stream", "static_file":
	case "":
		c.Source = "static_file"
	default:
		return fmt.Errorf("capture: unknown source %q", c.Source)
	}
	if c.TargetFPS <= 0 {
		c.TargetFPS = 30
	}
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 85
	}
	if c.Source == "network_stream" && c.Address == "" {
		return fmt.Errorf("capture: source=network_stream requires address")
	}
	return nil
}

// CropWH is a crop width/height pair, e.g. cap_crop_wh / level_crop_wh.
type CropWH struct {
	Width  int `json:"width" toml:"width" yaml:"width"`
	Height int `json:"height" toml:"height" yaml:"height"`
}

// Detector configures the Detector/Fan-out worker (§4.5, §6).
type Detector struct {
	GrayMethod       string  `json:"gray_method" toml:"gray_method" yaml:"gray_method"`
	ThresholdMethod  string  `json:"threshold_method" toml:"threshold_method" yaml:"threshold_method"`
	ThresholdParams  []float64 `json:"threshold_params,omitempty" toml:"threshold_params,omitempty" yaml:"threshold_params,omitempty"`
	MorphOps         []string  `json:"morph_ops,omitempty" toml:"morph_ops,omitempty" yaml:"morph_ops,omitempty"`
	MinContourArea   float64 `json:"min_contour_area" toml:"min_contour_area" yaml:"min_contour_area"`
	CapCropWH        CropWH  `json:"cap_crop_wh" toml:"cap_crop_wh" yaml:"cap_crop_wh"`
	LevelCropWH      CropWH  `json:"level_crop_wh" toml:"level_crop_wh" yaml:"level_crop_wh"`
}

func (d *Detector) Check() error {
	if d.GrayMethod == "" {
		d.GrayMethod = "luminance"
	}
	if d.ThresholdMethod == "" {
		d.ThresholdMethod = "otsu"
	}
	if d.MinContourArea <= 0 {
		d.MinContourArea = 50
	}
	if d.CapCropWH.Width <= 0 || d.CapCropWH.Height <= 0 {
		d.CapCropWH = CropWH{Width: 120, Height: 80}
	}
	if d.LevelCropWH.Width <= 0 || d.LevelCropWH.Height <= 0 {
		d.LevelCropWH = CropWH{Width: 120, Height: 220}
	}
	return nil
}

// Slot configures one of the four Slot Analyzer workers (§4.6, §6).
type Slot struct {
	CannyT1           float64 `json:"canny_t1" toml:"canny_t1" yaml:"canny_t1"`
	CannyT2           float64 `json:"canny_t2" toml:"canny_t2" yaml:"canny_t2"`
	ThetaStep         float64 `json:"theta_step" toml:"theta_step" yaml:"theta_step"`
	HoughThreshold    int     `json:"hough_threshold" toml:"hough_threshold" yaml:"hough_threshold"`
	MinLineLength     float64 `json:"min_line_length" toml:"min_line_length" yaml:"min_line_length"`
	MaxLineGap        float64 `json:"max_line_gap" toml:"max_line_gap" yaml:"max_line_gap"`
	AngleToleranceDeg float64 `json:"angle_tolerance_deg" toml:"angle_tolerance_deg" yaml:"angle_tolerance_deg"`
	MorphCloseSize    int     `json:"morph_close_size" toml:"morph_close_size" yaml:"morph_close_size"`
}

func (s *Slot) Check() error {
	if s.CannyT1 <= 0 {
		s.CannyT1 = 50
	}
	if s.CannyT2 <= 0 {
		s.CannyT2 = 150
	}
	if s.ThetaStep <= 0 {
		s.ThetaStep = 1
	}
	if s.HoughThreshold <= 0 {
		s.HoughThreshold = 40
	}
	if s.MinLineLength <= 0 {
		s.MinLineLength = 20
	}
	if s.MaxLineGap <= 0 {
		s.MaxLineGap = 5
	}
	if s.AngleToleranceDeg <= 0 {
		s.AngleToleranceDeg = 8
	}
	if s.MorphCloseSize <= 0 {
		s.MorphCloseSize = 3
	}
	return nil
}

// Renderer configures the Renderer/Fan-in worker (§4.7, §6).
type Renderer struct {
	DeadlineMS         int64 `json:"deadline_ms" toml:"deadline_ms" yaml:"deadline_ms"`
	AcceptanceBandYMin int   `json:"acceptance_band_ymin" toml:"acceptance_band_ymin" yaml:"acceptance_band_ymin"`
	AcceptanceBandYMax int   `json:"acceptance_band_ymax" toml:"acceptance_band_ymax" yaml:"acceptance_band_ymax"`
	Ordered            bool  `json:"ordered" toml:"ordered" yaml:"ordered"`
}

func (r *Renderer) Check() error {
	if r.DeadlineMS <= 0 {
		r.DeadlineMS = 100
	}
	if r.AcceptanceBandYMax <= 0 {
		r.AcceptanceBandYMax = 220
	}
	if r.AcceptanceBandYMin < 0 {
		r.AcceptanceBandYMin = 0
	}
	if r.AcceptanceBandYMin >= r.AcceptanceBandYMax {
		return fmt.Errorf("renderer: acceptance_band_ymin must be < acceptance_band_ymax")
	}
	return nil
}

func (r *Renderer) Deadline() time.Duration {
	return time.Duration(r.DeadlineMS) * time.Millisecond
}

// Telemetry configures the Telemetry worker (§4.8, §6).
type Telemetry struct {
	MaxPoints int             `json:"max_points" toml:"max_points" yaml:"max_points"`
	RefreshMS int64           `json:"refresh_ms" toml:"refresh_ms" yaml:"refresh_ms"`
	Enabled   map[string]bool `json:"enabled" toml:"enabled" yaml:"enabled"`
}

func (t *Telemetry) Check() error {
	if t.MaxPoints <= 0 {
		t.MaxPoints = 600
	}
	if t.RefreshMS <= 0 {
		t.RefreshMS = 50
	}
	if t.RefreshMS < 10 || t.RefreshMS > 100 {
		return fmt.Errorf("telemetry: refresh_ms must be within [10,100]")
	}
	return nil
}

func (t *Telemetry) Refresh() time.Duration {
	return time.Duration(t.RefreshMS) * time.Millisecond
}

// Priority is a worker's OS scheduling priority class (§4.9).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// WorkerSpec declares one worker the orchestrator should start.
type WorkerSpec struct {
	Name     string   `json:"name" toml:"name" yaml:"name"`
	Priority Priority `json:"priority" toml:"priority" yaml:"priority"`
	Enabled  bool     `json:"enabled" toml:"enabled" yaml:"enabled"`
}

// Config is the top-level configuration for a pipeline deployment.
type Config struct {
	Workers   []WorkerSpec `json:"workers" toml:"workers" yaml:"workers"`
	Capture   Capture      `json:"capture" toml:"capture" yaml:"capture"`
	Detector  Detector     `json:"detector" toml:"detector" yaml:"detector"`
	Slots     [4]Slot      `json:"slots" toml:"slots" yaml:"slots"`
	Renderer  Renderer     `json:"renderer" toml:"renderer" yaml:"renderer"`
	Telemetry Telemetry    `json:"telemetry" toml:"telemetry" yaml:"telemetry"`

	LogFile string `json:"log_file,omitempty" toml:"log_file,omitempty" yaml:"log_file,omitempty"`
	Debug   bool   `json:"debug" toml:"debug" yaml:"debug"`
}

// Check validates the whole configuration, filling defaults component by
// component. It is the single gate before the orchestrator builds any ring
// or queue.
func (c *Config) Check() error {
	if err := c.Capture.Check(); err != nil {
		return err
	}
	if err := c.Detector.Check(); err != nil {
		return err
	}
	for i := range c.Slots {
		if err := c.Slots[i].Check(); err != nil {
			return fmt.Errorf("slot[%d]: %w", i, err)
		}
	}
	if err := c.Renderer.Check(); err != nil {
		return err
	}
	if err := c.Telemetry.Check(); err != nil {
		return err
	}
	if len(c.Workers) == 0 {
		c.Workers = []WorkerSpec{
			{Name: "capture", Priority: PriorityHigh, Enabled: true},
			{Name: "detector", Priority: PriorityHigh, Enabled: true},
			{Name: "slot0", Priority: PriorityNormal, Enabled: true},
			{Name: "slot1", Priority: PriorityNormal, Enabled: true},
			{Name: "slot2", Priority: PriorityNormal, Enabled: true},
			{Name: "slot3", Priority: PriorityNormal, Enabled: true},
			{Name: "renderer", Priority: PriorityHigh, Enabled: true},
			{Name: "telemetry", Priority: PriorityLow, Enabled: true},
		}
	}
	return nil
}
