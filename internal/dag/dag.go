// Package dag loads workflow definitions from YAML files.
package dag

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/kenyadata/gdpetl/internal/model"
)

// ExampleFileName is the file name of the bundled example DAG.
const ExampleFileName = "kenyan_economic_etl.yaml"

//go:embed example/kenyan_economic_etl.yaml
var exampleYAML []byte

// MaxAttemptsCap bounds max_attempts for any DAG.
const MaxAttemptsCap = 3

var (
	namePattern  = regexp.MustCompile(`^[a-z0-9_]+$`)
	tablePattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*\.)?[A-Za-z_][A-Za-z0-9_]*$`)

	// ErrUnknownDAG is returned when a DAG name is not loaded.
	ErrUnknownDAG = errors.New("dag: unknown dag")
)

// Source is where a DAG extracts from.
type Source struct {
	URL string `yaml:"url" json:"url"`
}

// Target is the warehouse table a DAG loads into.
type Target struct {
	Table    string         `yaml:"table" json:"table"`
	LoadMode model.LoadMode `yaml:"load_mode" json:"load_mode"`
}

// Definition is one workflow read from dags/*.yaml.
type Definition struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Schedule    string        `yaml:"schedule" json:"schedule"`
	Timezone    string        `yaml:"timezone" json:"timezone"`
	Tags        []string      `yaml:"tags" json:"tags,omitempty"`
	Paused      bool          `yaml:"paused" json:"paused"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
	Source      Source        `yaml:"source" json:"source"`
	Target      Target        `yaml:"target" json:"target"`

	// File is the path the definition was read from.
	File string `yaml:"-" json:"file,omitempty"`
}

// Defaults fill fields a definition leaves empty.
type Defaults struct {
	Schedule    string
	Timezone    string
	MaxAttempts int
	RetryDelay  time.Duration
	SourceURL   string
	Dataset     string
	Table       string
	LoadMode    model.LoadMode
}

// DefaultDefaults returns the built-in defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Schedule:    model.DefaultSchedule,
		Timezone:    model.DefaultTimezone,
		MaxAttempts: model.DefaultMaxAttempts,
		RetryDelay:  model.DefaultRetryDelay,
		SourceURL:   model.DefaultSourceURL,
		Dataset:     model.DefaultDataset,
		Table:       model.DefaultTable,
		LoadMode:    model.LoadReplacePartitions,
	}
}

func (d *Definition) applyDefaults(def Defaults) {
	if d.Schedule == "" {
		d.Schedule = def.Schedule
	}
	if d.Timezone == "" {
		d.Timezone = def.Timezone
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = def.MaxAttempts
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = def.RetryDelay
	}
	if d.Source.URL == "" {
		d.Source.URL = def.SourceURL
	}
	if d.Target.Table == "" {
		d.Target.Table = def.Table
	}
	if !strings.Contains(d.Target.Table, ".") && def.Dataset != "" {
		d.Target.Table = def.Dataset + "." + d.Target.Table
	}
	if d.Target.LoadMode == "" {
		d.Target.LoadMode = def.LoadMode
	}
}

// Validate checks every field after defaults are applied.
func (d *Definition) Validate() error {
	var errs []error
	if !namePattern.MatchString(d.Name) {
		errs = append(errs, fmt.Errorf("name %q must match %s", d.Name, namePattern))
	}
	if _, err := cron.ParseStandard(d.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", d.Schedule, err))
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", d.Timezone, err))
	}
	if d.MaxAttempts < 1 || d.MaxAttempts > MaxAttemptsCap {
		errs = append(errs, fmt.Errorf("max_attempts %d must be between 1 and %d", d.MaxAttempts, MaxAttemptsCap))
	}
	if d.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay %s must not be negative", d.RetryDelay))
	}
	if d.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required"))
	}
	if !tablePattern.MatchString(d.Target.Table) {
		errs = append(errs, fmt.Errorf("target.table %q is not a valid table name", d.Target.Table))
	}
	switch d.Target.LoadMode {
	case model.LoadReplacePartitions, model.LoadAppend:
	default:
		errs = append(errs, fmt.Errorf("target.load_mode %q must be %s or %s",
			d.Target.LoadMode, model.LoadReplacePartitions, model.LoadAppend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("dag %s: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

// Location returns the DAG's time zone, UTC if it cannot be loaded.
func (d *Definition) Location() *time.Location {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextRun returns the next scheduled time after from in the DAG's time zone.
func (d *Definition) NextRun(from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(d.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(d.Location())), nil
}

// Parse decodes one definition. Unknown fields are rejected.
func Parse(data []byte, defaults Defaults) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Definition
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode dag: %w", err)
	}
	d.applyDefaults(defaults)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads one definition file.
func Load(path string, defaults Defaults) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dag file: %w", err)
	}
	d, err := Parse(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	d.File = path
	return d, nil
}

// LoadDir reads every *.yaml and *.yml file in dir, sorted by DAG name.
// Valid definitions are returned even when other files fail; the failures
// are joined into the returned error.
func LoadDir(dir string, defaults Defaults) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dags dir: %w", err)
	}

	var (
		defs []*Definition
		errs []error
		seen = make(map[string]string)
	)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		d, err := Load(path, defaults)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: dag %s already defined in %s", e.Name(), d.Name, filepath.Base(prev)))
			continue
		}
		seen[d.Name] = path
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, errors.Join(errs...)
}

// WriteExample installs the bundled example DAG into dir unless a file with
// the same name exists. It reports whether the file was written.
func WriteExample(dir string) (bool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("create dags dir: %w", err)
	}
	path := filepath.Join(dir, ExampleFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write example dag: %w", err)
	}
	if _, err := f.Write(exampleYAML); err != nil {
		f.Close()
		return false, fmt.Errorf("write example dag: %w", err)
	}
	return true, f.Close()
}

// Set is an immutable name-indexed collection of definitions.
type Set struct {
	byName map[string]*Definition
	names  []string
}

// NewSet indexes defs by name.
func NewSet(defs []*Definition) *Set {
	s := &Set{byName: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		s.byName[d.Name] = d
		s.names = append(s.names, d.Name)
	}
	sort.Strings(s.names)
	return s
}

// Get returns the named definition or ErrUnknownDAG.
func (s *Set) Get(name string) (*Definition, error) {
	if s != nil {
		if d, ok := s.byName[name]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDAG, name)
}

// All returns definitions sorted by name.
func (s *Set) All() []*Definition {
	if s == nil {
		return nil
	}
	out := make([]*Definition, len(s.names))
	for i, n := range s.names {
		out[i] = s.byName[n]
	}
	return out
}

// Len returns the number of definitions.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}
