// Package cron computes cron occurrences for the scheduler.
//
// Expressions use the 6-field grammar with a leading seconds field
// ("0 0 * * * *" is hourly at minute 0). Descriptors such as "@hourly" and
// "@every 30s" are also accepted. Parsed schedules are kept in a bounded
// cache keyed by the whitespace-normalized expression; cache residency never
// affects results, only parse cost.
package cron

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	cronlib "github.com/robfig/cron/v3"

	"github.com/teranos/pulsecron/errors"
)

// Cache sizing defaults.
const (
	DefaultCacheSize  = 1000
	DefaultIdleExpiry = time.Hour
)

// parser accepts exactly six fields (seconds first) plus descriptors.
var parser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Cache parses and caches cron expressions.
// Safe for concurrent use.
type Cache struct {
	schedules *expirable.LRU[string, cronlib.Schedule]
}

// NewCache creates a cache holding at most size parsed expressions, each
// evicted after idle without being used.
func NewCache(size int, idle time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if idle <= 0 {
		idle = DefaultIdleExpiry
	}
	return &Cache{
		schedules: expirable.NewLRU[string, cronlib.Schedule](size, nil, idle),
	}
}

// NewDefaultCache creates a cache with DefaultCacheSize and DefaultIdleExpiry.
func NewDefaultCache() *Cache {
	return NewCache(DefaultCacheSize, DefaultIdleExpiry)
}

// Normalize trims an expression and collapses internal whitespace so that
// cosmetically different spellings share one cache entry.
func Normalize(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}

// Parse returns the parsed schedule for expr, using the cache when possible.
// Parse failures wrap errors.ErrInvalidRequest.
func (c *Cache) Parse(expr string) (cronlib.Schedule, error) {
	key := Normalize(expr)
	if key == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "empty cron expression")
	}

	if sched, ok := c.schedules.Get(key); ok {
		// Re-adding restarts the idle timer
		c.schedules.Add(key, sched)
		return sched, nil
	}

	sched, err := parser.Parse(key)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "invalid cron expression %q", key)
	}
	c.schedules.Add(key, sched)
	return sched, nil
}

// NextOccurrence returns the first occurrence of expr strictly after from,
// evaluated in the time zone tz (blank = UTC). The result is in UTC.
// ok is false when the expression has no future occurrence.
func (c *Cache) NextOccurrence(expr, tz string, from time.Time) (next time.Time, ok bool, err error) {
	loc, err := ResolveLocation(tz)
	if err != nil {
		return time.Time{}, false, err
	}
	sched, err := c.Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}

	next = sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// Validate checks that expr parses and tz resolves.
func (c *Cache) Validate(expr, tz string) error {
	if _, err := ResolveLocation(tz); err != nil {
		return err
	}
	_, err := c.Parse(expr)
	return err
}

// Len returns the number of cached expressions.
func (c *Cache) Len() int {
	return c.schedules.Len()
}

// ResolveLocation maps an IANA zone id to a location. Blank means UTC.
// Unknown zones wrap errors.ErrInvalidRequest.
func ResolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "unknown time zone %q", tz)
	}
	return loc, nil
}
