package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hallpass/pkg/types"
)

// Paths are the top-level collections mirrored by the cache
var Paths = []string{types.PathClasses, types.PathStudents, types.PathRecords}

const (
	DefaultAwaitTimeout = 10 * time.Second
	defaultPollInterval = 200 * time.Millisecond
)

// Snapshot is a point-in-time copy of the cached collections
type Snapshot struct {
	Classes  []string
	Students map[string]types.Students
	Records  map[string]map[string]types.StudentRecords
}

// Cache mirrors classes, students and records as delivered by subscriptions
// ARCHITECTURAL DISCOVERY: Apply is the only mutator; accessors hand out copies
// so no caller can observe or cause a half-applied snapshot
type Cache struct {
	mu        sync.RWMutex
	classes   []string
	students  map[string]types.Students
	records   map[string]map[string]types.StudentRecords
	delivered map[string]bool

	pollInterval time.Duration
	logger       *zap.Logger
}

// New creates an empty, unloaded cache
func New(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{pollInterval: defaultPollInterval, logger: logger}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.classes = nil
	c.students = make(map[string]types.Students)
	c.records = make(map[string]map[string]types.StudentRecords)
	c.delivered = make(map[string]bool, len(Paths))
}

// Apply replaces the snapshot of one top-level path with a delivered value
// FUNCTIONAL DISCOVERY: A malformed value keeps the previous snapshot and does not
// count as a delivery, so a corrupt first value cannot make the cache look loaded
func (c *Cache) Apply(path string, raw json.RawMessage) error {
	var (
		classes  []string
		students map[string]types.Students
		records  map[string]map[string]types.StudentRecords
		err      error
	)
	switch path {
	case types.PathClasses:
		classes, err = decodeClasses(raw)
	case types.PathStudents:
		students, err = decodeStudents(raw)
	case types.PathRecords:
		records, err = decodeRecords(raw)
	default:
		return fmt.Errorf("cache does not mirror %q", path)
	}
	if err != nil {
		c.logger.Warn("discarding malformed value", zap.String("path", path), zap.Error(err))
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch path {
	case types.PathClasses:
		c.classes = classes
	case types.PathStudents:
		c.students = students
	case types.PathRecords:
		c.records = records
	}
	c.delivered[path] = true
	return nil
}

// Classes returns the class ids in stored order
func (c *Cache) Classes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.classes...)
}

// StudentsByClass returns the roster of class, empty when unknown
func (c *Cache) StudentsByClass(classID string) types.Students {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(types.Students, len(c.students[classID]))
	for id, student := range c.students[classID] {
		out[id] = student
	}
	return out
}

// HasStudent reports whether the roster of class contains studentID
func (c *Cache) HasStudent(classID, studentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.students[classID][studentID]
	return ok
}

// VisitRecords returns the dated records of one student, empty when absent
func (c *Cache) VisitRecords(classID, studentID string) types.StudentRecords {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyRecords(c.records[classID][studentID])
}

// VisitRecord returns the record of one student on date, zero when absent
func (c *Cache) VisitRecord(classID, studentID, date string) types.VisitRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record := c.records[classID][studentID][date]
	return types.VisitRecord{Departures: append([]types.Departure(nil), record.Departures...)}
}

func copyRecords(in types.StudentRecords) types.StudentRecords {
	out := make(types.StudentRecords, len(in))
	for date, record := range in {
		out[date] = record
	}
	return out
}

// Snapshot copies every collection; departure slices are shared because Apply replaces, never edits, them
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Classes:  append([]string(nil), c.classes...),
		Students: make(map[string]types.Students, len(c.students)),
		Records:  make(map[string]map[string]types.StudentRecords, len(c.records)),
	}
	for class, students := range c.students {
		roster := make(types.Students, len(students))
		for id, student := range students {
			roster[id] = student
		}
		s.Students[class] = roster
	}
	for class, byStudent := range c.records {
		copied := make(map[string]types.StudentRecords, len(byStudent))
		for student, records := range byStudent {
			copied[student] = copyRecords(records)
		}
		s.Records[class] = copied
	}
	return s
}

// Delivered reports whether path has delivered at least one value since the last reset
func (c *Cache) Delivered(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delivered[path]
}

// IsLoaded reports whether every mirrored path has delivered at least once
func (c *Cache) IsLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedLocked()
}

func (c *Cache) loadedLocked() bool {
	for _, path := range Paths {
		if !c.delivered[path] {
			return false
		}
	}
	return true
}

// HasUsableData reports loaded with at least one class and one student
func (c *Cache) HasUsableData() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loadedLocked() || len(c.classes) == 0 {
		return false
	}
	for _, students := range c.students {
		if len(students) > 0 {
			return true
		}
	}
	return false
}

// AwaitUsableData polls until HasUsableData, the timeout, or ctx cancellation
// TECHNICAL DISCOVERY: Ticker plus context keeps the wait cancellable by the
// caller without touching the subscriptions feeding the cache
func (c *Cache) AwaitUsableData(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	if c.HasUsableData() {
		return nil
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.HasUsableData() {
				return nil
			}
		case <-deadline.C:
			if c.HasUsableData() {
				return nil
			}
			c.logger.Warn("timed out waiting for usable data", zap.Duration("waited", time.Since(start)))
			return &types.TimeoutError{Waited: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset clears every collection and the delivery state
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
