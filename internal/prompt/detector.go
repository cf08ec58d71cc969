package prompt

import (
	"sync"
)

// ReadyDetector decides from the stripped scan buffer whether the hosted agent
// is ready. Implementations must be safe to call from the PTY reader goroutine.
type ReadyDetector interface {
	IsReady(buffer string) bool
}

// ReadyFunc adapts a plain function to ReadyDetector.
type ReadyFunc func(buffer string) bool

// IsReady implements ReadyDetector.
func (f ReadyFunc) IsReady(buffer string) bool {
	return f(buffer)
}

// Detection represents a matched readiness pattern.
type Detection struct {
	Pattern     Pattern
	MatchedText string
}

// Detector matches the scan buffer against a set of readiness patterns.
type Detector struct {
	patterns       []Pattern
	customPatterns []Pattern
	mu             sync.RWMutex
}

// NewDetector creates a detector. With no patterns it uses DefaultPatterns.
func NewDetector(patterns ...Pattern) *Detector {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Detector{
		patterns: patterns,
	}
}

// AddPattern adds a custom pattern to the detector.
func (d *Detector) AddPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customPatterns = append(d.customPatterns, p)
}

// AddPatternFromConfig compiles and adds a pattern from configuration.
func (d *Detector) AddPatternFromConfig(name, regex string) error {
	p, err := CompilePattern(name, regex)
	if err != nil {
		return err
	}
	d.AddPattern(p)
	return nil
}

// Detect returns the first pattern found in buffer, or nil.
// Custom patterns are checked before the base set.
func (d *Detector) Detect(buffer string) *Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, p := range d.customPatterns {
		if det := matchPattern(buffer, p); det != nil {
			return det
		}
	}
	for _, p := range d.patterns {
		if det := matchPattern(buffer, p); det != nil {
			return det
		}
	}
	return nil
}

// IsReady implements ReadyDetector.
func (d *Detector) IsReady(buffer string) bool {
	return d.Detect(buffer) != nil
}

// Names returns the names of all configured patterns, custom first.
func (d *Detector) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.customPatterns)+len(d.patterns))
	for _, p := range d.customPatterns {
		names = append(names, p.Name)
	}
	for _, p := range d.patterns {
		names = append(names, p.Name)
	}
	return names
}

func matchPattern(buffer string, p Pattern) *Detection {
	loc := p.Regex.FindStringIndex(buffer)
	if loc == nil {
		return nil
	}
	return &Detection{
		Pattern:     p,
		MatchedText: buffer[loc[0]:loc[1]],
	}
}

var _ ReadyDetector = (*Detector)(nil)
