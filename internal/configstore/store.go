// Package configstore keeps the persisted tree of services: descriptor, configuration,
// enabled flag and last-known state per service, addressed by dotted keys.
package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
	yamlutil "github.com/msageha/orbit/internal/yaml"
)

// Entry is one service subtree.
type Entry struct {
	Descriptor model.ServiceDescriptor `yaml:"descriptor"`
	Config     model.ServiceConfig     `yaml:"config"`
	Enabled    bool                    `yaml:"enabled"`
	State      model.ServiceState      `yaml:"state,omitempty"`
	Generation uint64                  `yaml:"generation,omitempty"`
	UpdatedAt  time.Time               `yaml:"updated_at,omitempty"`
}

type document struct {
	yamlutil.Header `yaml:",inline"`
	Services        map[string]*Entry `yaml:"services"`
}

type Store struct {
	path          string
	quarantineDir string
	clock         platform.Clock
	logger        *logging.Logger

	mu       sync.RWMutex
	services map[string]*Entry
}

// New returns an empty store persisted at path. Corrupt files are moved to quarantineDir.
func New(path, quarantineDir string, clk platform.Clock, logger *logging.Logger) *Store {
	if clk == nil {
		clk = platform.SystemClock()
	}
	return &Store{
		path:          path,
		quarantineDir: quarantineDir,
		clock:         clk,
		logger:        logger.With("configstore"),
		services:      make(map[string]*Entry),
	}
}

// Open creates a store and loads path if it exists.
func Open(path, quarantineDir string, clk platform.Clock, logger *logging.Logger) (*Store, error) {
	s := New(path, quarantineDir, clk, logger)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory tree with the file's content. A missing file leaves the store empty;
// a corrupt one is quarantined and replaced by its backup or an empty skeleton.
func (s *Store) Load() error {
	var doc document
	err := yamlutil.Read(s.path, yamlutil.FileTypeConfigStore, &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.Warnf("config store unreadable path=%s error=%v", s.path, err)
		outcome, rerr := yamlutil.Recover(s.quarantineDir, s.path, yamlutil.FileTypeConfigStore, s.clock.Now())
		if rerr != nil {
			return fmt.Errorf("recover config store: %w", rerr)
		}
		s.logger.Infof("config store recovered path=%s from=%s", s.path, outcome)
		doc = document{}
		if err := yamlutil.Read(s.path, yamlutil.FileTypeConfigStore, &doc); err != nil {
			return fmt.Errorf("reload recovered config store: %w", err)
		}
	}

	services := make(map[string]*Entry, len(doc.Services))
	for name, e := range doc.Services {
		if e == nil {
			continue
		}
		services[name] = e
	}
	s.mu.Lock()
	s.services = services
	s.mu.Unlock()
	s.logger.Debugf("loaded services=%d", len(services))
	return nil
}

// Save writes the whole tree atomically, keeping the previous file as .bak.
func (s *Store) Save() error {
	s.mu.RLock()
	doc := document{
		Header:   yamlutil.NewHeader(yamlutil.FileTypeConfigStore),
		Services: make(map[string]*Entry, len(s.services)),
	}
	for name, e := range s.services {
		cp := *e
		doc.Services[name] = &cp
	}
	s.mu.RUnlock()

	if err := yamlutil.Write(s.path, doc); err != nil {
		return fmt.Errorf("save config store: %w", err)
	}
	return nil
}

// Register creates or replaces the subtree of a service. An existing configuration is kept
// when cfg is nil.
func (s *Store) Register(desc model.ServiceDescriptor, cfg *model.ServiceConfig, enabled bool) error {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[desc.Name]
	if !ok {
		e = &Entry{State: model.ServiceStopped}
		s.services[desc.Name] = e
	}
	e.Descriptor = desc
	e.Enabled = enabled
	if cfg != nil {
		e.Config = cfg.Clone()
	}
	if e.Config.Version == 0 {
		e.Config.Version = 1
	}
	e.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) Remove(name string) {
	s.mu.Lock()
	delete(s.services, name)
	s.mu.Unlock()
}

// Entry returns a copy of a service subtree.
func (s *Store) Entry(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[name]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Config = e.Config.Clone()
	return out, true
}

func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (s *Store) SetEnabled(name string, enabled bool) error {
	return s.update(name, "set enabled", func(e *Entry) error {
		e.Enabled = enabled
		return nil
	})
}

// RecordState stores the last-known lifecycle state of a service.
func (s *Store) RecordState(name string, state model.ServiceState, generation uint64) error {
	return s.update(name, "record state", func(e *Entry) error {
		e.State = state
		e.Generation = generation
		return nil
	})
}

// Config returns a copy of a service's configuration.
func (s *Store) Config(name string) (model.ServiceConfig, error) {
	e, ok := s.Entry(name)
	if !ok {
		return model.ServiceConfig{}, notFound("config", name)
	}
	return e.Config, nil
}

// Get reads one dotted key of a service's configuration, e.g. "network.bind_port" or "settings.db.host".
func (s *Store) Get(service, key string) (model.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[service]
	if !ok {
		return model.Value{}, notFound("get", service)
	}
	return getPath(&e.Config, key)
}

// Put writes one dotted key, validates the result and bumps the configuration version.
// The stored configuration is unchanged when validation fails.
func (s *Store) Put(service, key string, v model.Value) (model.ServiceConfig, error) {
	var out model.ServiceConfig
	err := s.update(service, "put", func(e *Entry) error {
		next := e.Config.Clone()
		if err := setPath(&next, key, v); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		next.Version = e.Config.Version + 1
		e.Config = next
		out = next.Clone()
		return nil
	})
	if err == nil {
		s.logger.Infof("config put service=%s key=%s version=%d", service, key, out.Version)
	}
	return out, err
}

// Delete removes a key from the settings, environment or secrets maps.
func (s *Store) Delete(service, key string) (model.ServiceConfig, error) {
	var out model.ServiceConfig
	err := s.update(service, "delete", func(e *Entry) error {
		next := e.Config.Clone()
		if err := deletePath(&next, key); err != nil {
			return err
		}
		next.Version = e.Config.Version + 1
		e.Config = next
		out = next.Clone()
		return nil
	})
	return out, err
}

// Replace swaps a service's whole configuration, as when its unit file changes. The version is
// bumped only when the content differs; changed reports whether it did.
func (s *Store) Replace(service string, cfg model.ServiceConfig) (out model.ServiceConfig, changed bool, err error) {
	if err := cfg.Validate(); err != nil {
		return model.ServiceConfig{}, false, err
	}
	err = s.update(service, "replace", func(e *Entry) error {
		next := cfg.Clone()
		next.Version = e.Config.Version
		if reflect.DeepEqual(next, e.Config) {
			out = e.Config.Clone()
			return nil
		}
		next.Version = e.Config.Version + 1
		e.Config = next
		out = next.Clone()
		changed = true
		return nil
	})
	return out, changed, err
}

// Keys lists every dotted key that currently holds a value, sorted.
func (s *Store) Keys(service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[service]
	if !ok {
		return nil, notFound("keys", service)
	}
	return listPaths(&e.Config), nil
}

func (s *Store) update(name, op string, fn func(*Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[name]
	if !ok {
		return notFound(op, name)
	}
	if err := fn(e); err != nil {
		return err
	}
	e.UpdatedAt = s.clock.Now()
	return nil
}

func notFound(op, name string) error {
	return model.Errorf(model.KindNotFound, "config "+op, name, "service has no stored configuration")
}
