// Package ratelimit implements a bounded per-caller sliding-window limiter.
//
// Each key keeps the timestamps of its requests inside the window. The
// number of tracked keys is capped; when the cap is reached the key that was
// seen least recently is evicted. Sweep drops keys whose window is empty.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultRequests = 100
	DefaultWindow   = 60 * time.Second
	DefaultMaxKeys  = 10000
)

// Config bounds a Limiter. Zero fields take the defaults.
type Config struct {
	Requests int
	Window   time.Duration
	MaxKeys  int
}

func (c Config) withDefaults() Config {
	if c.Requests <= 0 {
		c.Requests = DefaultRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = DefaultMaxKeys
	}
	return c
}

type entry struct {
	key    string
	events []time.Time
	seen   time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config

	mu    sync.Mutex
	keys  map[string]*list.Element
	order *list.List // front = most recently seen
}

func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:   cfg,
		keys:  make(map[string]*list.Element, 64),
		order: list.New(),
	}
}

func (l *Limiter) Config() Config { return l.cfg }

// Allow records a request for key at now. When the window is already full it
// returns false and how long until the oldest request leaves the window.
func (l *Limiter) Allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.keys[key]
	if !ok {
		if l.order.Len() >= l.cfg.MaxKeys {
			l.evictOldest()
		}
		el = l.order.PushFront(&entry{key: key, events: make([]time.Time, 0, 8)})
		l.keys[key] = el
	} else {
		l.order.MoveToFront(el)
	}

	e := el.Value.(*entry)
	e.seen = now
	e.events = trim(e.events, now.Add(-l.cfg.Window))

	if len(e.events) >= l.cfg.Requests {
		retry := e.events[0].Add(l.cfg.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}
	e.events = append(e.events, now)
	return true, 0
}

// Sweep removes keys with no requests inside the window and returns how many
// were dropped.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.cfg.Window)
	n := 0
	for el := l.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		e.events = trim(e.events, cut)
		if len(e.events) == 0 {
			l.order.Remove(el)
			delete(l.keys, e.key)
			n++
		}
		el = prev
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *Limiter) evictOldest() {
	el := l.order.Back()
	if el == nil {
		return
	}
	l.order.Remove(el)
	delete(l.keys, el.Value.(*entry).key)
}

func trim(events []time.Time, cut time.Time) []time.Time {
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	return dst
}
