// Package pprof profiles one invocation of the tool: a CPU profile covering
// the whole run and snapshots of the other profiles taken when it stops.
//
//	c, err := pprof.NewCollector(pprof.Config{Dir: "./pprof"}, "coordinator")
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(); err != nil {
//	    return err
//	}
//	defer c.Stop()
package pprof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"

	apperrors "github.com/parallel-histogram/pkg/errors"
)

// ProfileType defines the type of profile to collect.
type ProfileType string

const (
	ProfileCPU       ProfileType = "cpu"
	ProfileHeap      ProfileType = "heap"
	ProfileGoroutine ProfileType = "goroutine"
	ProfileBlock     ProfileType = "block"
	ProfileMutex     ProfileType = "mutex"
	ProfileAllocs    ProfileType = "allocs"
)

// AllProfileTypes returns all supported profile types.
func AllProfileTypes() []ProfileType {
	return []ProfileType{ProfileCPU, ProfileHeap, ProfileGoroutine, ProfileBlock, ProfileMutex, ProfileAllocs}
}

// DefaultProfileTypes returns the default profile types to collect.
func DefaultProfileTypes() []ProfileType {
	return []ProfileType{ProfileCPU, ProfileHeap, ProfileGoroutine}
}

// ParseProfileTypes parses a comma-separated string into profile types.
func ParseProfileTypes(s string) ([]ProfileType, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultProfileTypes(), nil
	}

	valid := make(map[ProfileType]bool)
	for _, pt := range AllProfileTypes() {
		valid[pt] = true
	}

	var types []ProfileType
	for _, p := range strings.Split(s, ",") {
		pt := ProfileType(strings.TrimSpace(strings.ToLower(p)))
		if !valid[pt] {
			return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "unknown profile type: %q", p)
		}
		types = append(types, pt)
	}
	return types, nil
}

// Config holds the profiling configuration.
type Config struct {
	// Dir receives one file per profile type.
	Dir string

	// Profiles lists the profile types to collect. Empty means the defaults.
	Profiles []ProfileType

	// Rate is the block and mutex profiling rate, used only when those
	// profiles are requested.
	Rate int
}

// Collector collects the profiles of one process.
type Collector struct {
	cfg  Config
	name string

	mu      sync.Mutex
	cpuFile *os.File
	started bool
	stopped bool
}

// NewCollector creates a collector whose files are prefixed with name.
func NewCollector(cfg Config, name string) (*Collector, error) {
	if cfg.Dir == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "pprof output directory is required")
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = DefaultProfileTypes()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	return &Collector{cfg: cfg, name: name}, nil
}

func (c *Collector) wants(pt ProfileType) bool {
	for _, p := range c.cfg.Profiles {
		if p == pt {
			return true
		}
	}
	return false
}

// Path returns the file the profile pt is written to.
func (c *Collector) Path(pt ProfileType) string {
	return filepath.Join(c.cfg.Dir, fmt.Sprintf("%s-%s.pprof", c.name, pt))
}

// Start creates the output directory and starts CPU profiling.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := os.MkdirAll(c.cfg.Dir, 0755); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "create pprof directory", err)
	}
	if c.wants(ProfileBlock) {
		runtime.SetBlockProfileRate(c.cfg.Rate)
	}
	if c.wants(ProfileMutex) {
		runtime.SetMutexProfileFraction(c.cfg.Rate)
	}
	if c.wants(ProfileCPU) {
		f, err := os.Create(c.Path(ProfileCPU))
		if err != nil {
			return apperrors.Wrap(apperrors.CodeIOFailure, "create CPU profile", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return apperrors.Wrap(apperrors.CodeIOFailure, "start CPU profile", err)
		}
		c.cpuFile = f
	}
	c.started = true
	return nil
}

// Stop ends CPU profiling, writes the other profiles and returns the files
// written. Only the first call does any work.
func (c *Collector) Stop() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return nil, nil
	}
	c.stopped = true

	var files []string
	var errs []error
	if c.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := c.cpuFile.Close(); err != nil {
			errs = append(errs, err)
		} else {
			files = append(files, c.cpuFile.Name())
		}
	}

	for _, pt := range c.cfg.Profiles {
		if pt == ProfileCPU {
			continue
		}
		if pt == ProfileHeap || pt == ProfileAllocs {
			runtime.GC()
		}
		if err := c.writeProfile(pt); err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, c.Path(pt))
	}

	if c.wants(ProfileBlock) {
		runtime.SetBlockProfileRate(0)
	}
	if c.wants(ProfileMutex) {
		runtime.SetMutexProfileFraction(0)
	}
	if err := errors.Join(errs...); err != nil {
		return files, apperrors.Wrap(apperrors.CodeIOFailure, "write profiles", err)
	}
	return files, nil
}

func (c *Collector) writeProfile(pt ProfileType) error {
	p := pprof.Lookup(string(pt))
	if p == nil {
		return fmt.Errorf("profile %s is not available", pt)
	}
	f, err := os.Create(c.Path(pt))
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
