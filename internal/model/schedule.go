package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Bucket is one priority cap inside a schedule interval. A connector with
// priority p counts against the first bucket (priority-descending order)
// whose Priority <= p.
type Bucket struct {
	Priority int
	Amps     float64
}

type scheduleInterval struct {
	startMin int // minutes since midnight, inclusive
	endMin   int // minutes since midnight, inclusive through second 59
	buckets  []Bucket
}

// Schedule is a parsed max_allocation expression, e.g.
// "00:00-05:59>0=48;06:00-16:59>0=16:3=32:5=48". Groups without a schedule
// are not allocation groups and are never balanced.
type Schedule struct {
	raw       string
	intervals []scheduleInterval
}

// ParseSchedule parses a max_allocation expression. An empty expression
// yields a nil schedule (non-allocation group).
func ParseSchedule(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	s := &Schedule{raw: raw}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		iv, err := parseInterval(part)
		if err != nil {
			return nil, NewError(ErrCodeIllegalArguments, "bad schedule interval %q: %v", part, err)
		}
		s.intervals = append(s.intervals, iv)
	}
	if len(s.intervals) == 0 {
		return nil, NewError(ErrCodeIllegalArguments, "schedule %q has no intervals", raw)
	}
	return s, nil
}

func parseInterval(part string) (scheduleInterval, error) {
	var iv scheduleInterval

	span, caps, ok := strings.Cut(part, ">")
	if !ok {
		return iv, fmt.Errorf("missing '>'")
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return iv, fmt.Errorf("missing '-' in time span %q", span)
	}

	var err error
	if iv.startMin, err = parseHHMM(from); err != nil {
		return iv, err
	}
	if iv.endMin, err = parseHHMM(to); err != nil {
		return iv, err
	}

	for _, pair := range strings.Split(caps, ":") {
		p, a, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return iv, fmt.Errorf("bad priority pair %q", pair)
		}
		prio, err := strconv.Atoi(p)
		if err != nil {
			return iv, fmt.Errorf("bad priority %q", p)
		}
		amps, err := strconv.ParseFloat(a, 64)
		if err != nil || amps < 0 {
			return iv, fmt.Errorf("bad amperage %q", a)
		}
		iv.buckets = append(iv.buckets, Bucket{Priority: prio, Amps: amps})
	}
	if len(iv.buckets) == 0 {
		return iv, fmt.Errorf("no priority pairs")
	}

	// Highest priority first; the first bucket's amps is the group ceiling.
	sort.SliceStable(iv.buckets, func(i, j int) bool {
		return iv.buckets[i].Priority > iv.buckets[j].Priority
	})
	return iv, nil
}

func parseHHMM(v string) (int, error) {
	v = strings.TrimSpace(v)
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("bad time %q", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", mm)
	}
	return h*60 + m, nil
}

// String returns the original schedule expression.
func (s *Schedule) String() string {
	if s == nil {
		return ""
	}
	return s.raw
}

// BucketsAt returns the priority buckets valid at t (highest priority first),
// or nil if no interval covers t. Interval ends are inclusive through the
// last second of the named minute.
func (s *Schedule) BucketsAt(t time.Time) []Bucket {
	if s == nil {
		return nil
	}
	nowMin := t.Hour()*60 + t.Minute()
	for _, iv := range s.intervals {
		if nowMin >= iv.startMin && nowMin <= iv.endMin {
			out := make([]Bucket, len(iv.buckets))
			copy(out, iv.buckets)
			return out
		}
	}
	return nil
}

// MaxAllocationAt returns the group ceiling (the highest priority bucket's
// amps) at t. ok is false when no interval covers t.
func (s *Schedule) MaxAllocationAt(t time.Time) (amps float64, ok bool) {
	buckets := s.BucketsAt(t)
	if len(buckets) == 0 {
		return 0, false
	}
	return buckets[0].Amps, true
}

// AllocationForPriorityAt returns the cap that applies to a connector with
// the given priority at t: the first bucket (priority-descending) whose
// priority is <= the connector's. Zero when no bucket matches.
func (s *Schedule) AllocationForPriorityAt(t time.Time, priority int) float64 {
	for _, b := range s.BucketsAt(t) {
		if priority >= b.Priority {
			return b.Amps
		}
	}
	return 0
}

// adjustTopOfHour returns the instant interval/2 before the next clock hour.
// A t exactly on the hour is its own "next" hour.
func adjustTopOfHour(t time.Time, interval time.Duration) time.Time {
	secs := t.Unix()
	next := (secs + 3599) / 3600 * 3600
	return time.Unix(next, 0).Add(-interval / 2)
}
