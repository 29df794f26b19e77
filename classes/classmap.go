// Package classes - Bidirectional class name <-> id registry.
package classes

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// BackgroundName is the name registered at id 0 in every ClassMap.
const BackgroundName = "background"

var (
	// ErrUnknownClass is returned by GetID for a name that is not registered.
	ErrUnknownClass = errors.New("unknown class name")
	// ErrUnknownID is returned by GetName for an id that is not registered.
	ErrUnknownID = errors.New("unknown class id")
)

// ClassMap maps class names to stable, contiguous integer ids.
//
// Id 0 is always the background class. New names are appended with the next id,
// so ids never move and the map never shrinks. Reads are safe from many goroutines;
// additions take a write lock.
type ClassMap struct {
	mu       sync.RWMutex
	id2class []string
	class2id map[string]int
	autoGrow bool
}

// Option configures a ClassMap.
type Option func(*ClassMap)

// WithAutoGrow makes GetID register unknown names instead of failing.
func WithAutoGrow() Option {
	return func(c *ClassMap) { c.autoGrow = true }
}

// WithBackground overrides the name registered at id 0.
func WithBackground(name string) Option {
	return func(c *ClassMap) {
		delete(c.class2id, c.id2class[0])
		c.id2class[0] = name
		c.class2id[name] = 0
	}
}

// New builds a ClassMap with the background class at id 0 followed by names.
//
// Arguments:
//   - names: Class names in id order starting at 1. Repeated names keep their first id.
//   - opts: Optional behaviour switches.
//
// Returns:
//   - The ClassMap.
//
// @example
// cm := classes.New([]string{"cat", "dog"})
// id, _ := cm.GetID("dog") // 2
func New(names []string, opts ...Option) *ClassMap {
	c := &ClassMap{
		id2class: []string{BackgroundName},
		class2id: map[string]int{BackgroundName: 0},
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, name := range names {
		c.add(name)
	}
	return c
}

// AddName registers name if needed and returns its id. Calling it again with the
// same name returns the same id and does not grow the map.
func (c *ClassMap) AddName(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.add(name)
}

func (c *ClassMap) add(name string) int {
	if id, ok := c.class2id[name]; ok {
		return id
	}
	id := len(c.id2class)
	c.id2class = append(c.id2class, name)
	c.class2id[name] = id
	return id
}

// GetID returns the id registered for name.
//
// Unknown names fail with ErrUnknownClass unless the map was built WithAutoGrow,
// in which case the name is appended.
func (c *ClassMap) GetID(name string) (int, error) {
	c.mu.RLock()
	id, ok := c.class2id[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	if c.autoGrow {
		return c.AddName(name), nil
	}
	return -1, errors.Wrapf(ErrUnknownClass, "%q", name)
}

// GetName returns the name registered at id.
func (c *ClassMap) GetName(id int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.id2class) {
		return "", errors.Wrapf(ErrUnknownID, "%d (map has %d classes)", id, len(c.id2class))
	}
	return c.id2class[id], nil
}

// Has reports whether name is registered.
func (c *ClassMap) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.class2id[name]
	return ok
}

// HasID reports whether id is registered.
func (c *ClassMap) HasID(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return id >= 0 && id < len(c.id2class)
}

// Len returns the number of registered classes, background included.
func (c *ClassMap) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.id2class)
}

// Names returns a copy of the names in id order.
func (c *ClassMap) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.id2class...)
}

// EnsureID grows the map until id is registered, naming every appended class with
// namer. Appended ids stay contiguous, so the map covers id and every gap before it.
// It returns the names that were added.
func (c *ClassMap) EnsureID(id int, namer func(id int) string) ([]string, error) {
	if id < 0 {
		return nil, errors.Wrapf(ErrUnknownID, "negative id %d", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []string
	for len(c.id2class) <= id {
		next := len(c.id2class)
		name := namer(next)
		if _, taken := c.class2id[name]; taken {
			name = fmt.Sprintf("%s_%d", name, next)
		}
		c.add(name)
		added = append(added, name)
	}
	return added, nil
}

// Equal reports whether both maps hold the same names at the same ids.
func (c *ClassMap) Equal(other *ClassMap) bool {
	a, b := c.Names(), other.Names()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *ClassMap) String() string {
	return fmt.Sprintf("ClassMap(%v)", c.Names())
}
