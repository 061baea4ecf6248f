// Package session persists registration results so a transform can be
// reapplied later without rerunning the search.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tissuealign/internal/alignment"
	"tissuealign/internal/pipeline"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// CurrentVersion is the file format version written by Save.
const CurrentVersion = 1

// File is a saved registration (.tasession).
type File struct {
	Version  int       `json:"version"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	// Image paths (relative to the session file)
	ReferencePath     string `json:"reference"`
	MovingPath        string `json:"moving"`
	ReferenceModality string `json:"reference_modality,omitempty"`
	MovingModality    string `json:"moving_modality,omitempty"`

	RequestID  string      `json:"request_id"`
	Status     string      `json:"status"`
	Kind       regerr.Kind `json:"kind"`
	Strategy   string      `json:"strategy,omitempty"`
	ConfigHash string      `json:"config_hash,omitempty"`

	// Transform maps native moving pixels to reference pixels.
	Transform *alignment.Transform `json:"transform,omitempty"`
	Fitness   float64              `json:"fitness"`
	Metrics   alignment.Metrics    `json:"metrics"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// New returns an empty session stamped with the current time.
func New() *File {
	now := time.Now()
	return &File{Version: CurrentVersion, Created: now, Modified: now}
}

// FromOutcome records a pipeline outcome. Failed outcomes keep no transform.
func FromOutcome(out pipeline.Outcome, configHash string) *File {
	f := New()
	f.RequestID = out.RequestID
	f.Status = string(out.Status)
	f.Kind = out.Kind
	f.Strategy = out.Strategy
	f.ConfigHash = configHash
	if out.Result != nil {
		t := out.Result.Transform
		if out.NativeTransform != nil {
			t = *out.NativeTransform
		}
		f.Transform = &t
		f.Fitness = out.Result.Fitness
		f.Metrics = out.Result.Metrics
		f.Warnings = out.Result.Warnings
	}
	return f
}

// Load reads a session file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, "session.Load", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, "session.Load", fmt.Errorf("error parsing session: %w", err))
	}
	if f.Version > CurrentVersion {
		return nil, regerr.New(regerr.KindInvalidInput, "session.Load", "unsupported session version %d", f.Version)
	}
	return &f, nil
}

// Save writes the session to path.
func (f *File) Save(path string) error {
	f.Modified = time.Now()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SetImages records both image paths relative to the session file.
func (f *File) SetImages(sessionPath, reference, moving string) {
	f.ReferencePath = relativeTo(sessionPath, reference)
	f.MovingPath = relativeTo(sessionPath, moving)
}

// ReferenceImage resolves the reference path against the session location.
func (f *File) ReferenceImage(sessionPath string) string {
	return resolve(sessionPath, f.ReferencePath)
}

// MovingImage resolves the moving path against the session location.
func (f *File) MovingImage(sessionPath string) string {
	return resolve(sessionPath, f.MovingPath)
}

// Map applies the saved transform to points in native moving pixels.
func (f *File) Map(pts []geometry.Point2D) ([]geometry.Point2D, error) {
	if f.Transform == nil {
		return nil, regerr.New(regerr.KindInvalidInput, "session.Map", "session has no transform (status %s)", f.Status)
	}
	out := make([]geometry.Point2D, len(pts))
	for i, p := range pts {
		out[i] = f.Transform.Apply(p)
	}
	return out, nil
}

func relativeTo(sessionPath, p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	dir, err := filepath.Abs(filepath.Dir(sessionPath))
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return abs
	}
	return rel
}

func resolve(sessionPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(sessionPath), p)
}
