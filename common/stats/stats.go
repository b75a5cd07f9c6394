// Package stats provides a minimal metrics facade backed by go-metrics.
// A StatsReceiver is passed down call trees and scoped at each level, so
// the snapshot db, store backends and server all report into one registry
// without depending on go-metrics directly.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Overridable instrument creation, for tests.
var NewCounter func() Counter = newMetricCounter
var NewGauge func() Gauge = newMetricGauge
var NewLatency func() Latency = newLatency

// To check if pretty printing is supported.
type MarshalerPretty interface {
	MarshalJSONPretty() ([]byte, error)
}

// StatsRegistry is the go-metrics registry surface we use: get-or-register,
// removal, and iteration for marshaling.
type StatsRegistry interface {
	GetOrRegister(string, interface{}) interface{}
	Unregister(string)
	Each(func(string, interface{}))
}

// StatsReceiver hands out instruments under a hierarchical name. Names are
// '/'-separated; variadic name elements have '/' replaced with "_SLASH_"
// rather than failing, since some names are built dynamically from error
// strings and dataset names.
type StatsReceiver interface {
	// Scope returns a receiver that prefixes all names with the scope:
	//
	//   stat.Scope("store", "file").Counter("commits")  // store/file/commits
	Scope(scope ...string) StatsReceiver

	// Precision returns a copy whose Latency instruments render with the
	// given display precision. Durations <= 1ns fall back to ns. Capture
	// precision is unaffected.
	Precision(time.Duration) StatsReceiver

	// Counter provides an event counter.
	Counter(name ...string) Counter

	// Gauge holds an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// Latency records callsite latency into a histogram.
	Latency(name ...string) Latency

	// Remove drops the named instrument if it exists.
	Remove(name ...string)

	// Render marshals the registry to JSON.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver over a JSON-renderable registry.
func DefaultStatsReceiver() StatsReceiver {
	return NewCustomStatsReceiver(NewJSONStatsRegistry())
}

// NewCustomStatsReceiver wraps an explicit registry.
func NewCustomStatsReceiver(reg StatsRegistry) StatsReceiver {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &defaultStatsReceiver{
		registry:  reg,
		precision: time.Millisecond,
	}
}

type defaultStatsReceiver struct {
	registry  StatsRegistry
	precision time.Duration
	scope     []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.precision, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = 1
	}
	return &defaultStatsReceiver{s.registry, precision, s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), NewCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGauge).(Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	// Registered eagerly: metrics.Registry can't call a factory whose
	// return type it doesn't know.
	return s.registry.GetOrRegister(s.scopedName(name...), NewLatency().Precision(s.precision)).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	var err error
	var bytes []byte
	if mp, ok := s.registry.(MarshalerPretty); ok && pretty {
		bytes, err = mp.MarshalJSONPretty()
	} else {
		bytes, err = json.Marshal(s.registry)
	}
	if err != nil {
		panic("StatsRegistry bug, cannot be marshaled")
	}
	return bytes
}

// Append to existing scope and scrub slashes.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, sc := range scope {
		scope[i] = strings.Replace(sc, "/", "_SLASH_", -1)
	}
	return append(s.scope[:], scope...)
}

func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver             { return s }
func (s *nilStatsReceiver) Precision(precision time.Duration) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter {
	return &metricCounter{&metrics.NilCounter{}}
}
func (s *nilStatsReceiver) Gauge(name ...string) Gauge {
	return &metricGauge{&metrics.NilGauge{}}
}
func (s *nilStatsReceiver) Latency(name ...string) Latency {
	return newNilLatency()
}
func (s *nilStatsReceiver) Remove(name ...string)     {}
func (s *nilStatsReceiver) Render(pretty bool) []byte { return []byte{} }

//
// Minimally mirror go-metrics instruments.
//

// Counter
type Counter interface {
	Capture() Counter
	Clear()
	Count() int64
	Inc(int64)
	Update(int64)
}
type metricCounter struct{ metrics.Counter }

func (m *metricCounter) Capture() Counter { return &metricCounter{m.Snapshot()} }

// Update sets the counter to an absolute value, for mirroring counters
// maintained by other libraries.
func (m *metricCounter) Update(v int64) {
	m.Clear()
	m.Inc(v)
}

func newMetricCounter() Counter { return &metricCounter{metrics.NewCounter()} }

// Gauge
type Gauge interface {
	Capture() Gauge
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func (m *metricGauge) Capture() Gauge { return &metricGauge{m.Snapshot()} }
func newMetricGauge() Gauge           { return &metricGauge{metrics.NewGauge()} }

// HistogramView is the read side of a latency histogram, used when
// marshaling.
type HistogramView interface {
	Mean() float64
	Count() int64
	Max() int64
	Min() int64
	Sum() int64
	Percentiles(ps []float64) []float64
}

// Latency records durations between Time and Stop into a histogram.
type Latency interface {
	Capture() Latency
	Time() Latency // returns self.
	Stop()
	GetPrecision() time.Duration
	Precision(time.Duration) Latency // returns self.
}
type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func (l *metricLatency) Time() Latency { l.start = time.Now(); return l }
func (l *metricLatency) Stop()         { l.Update(time.Since(l.start).Nanoseconds()) }
func (l *metricLatency) Capture() Latency {
	return &metricLatency{l.Histogram.Snapshot(), l.start, l.precision}
}
func (l *metricLatency) GetPrecision() time.Duration {
	return l.precision
}
func (l *metricLatency) Precision(p time.Duration) Latency {
	if p < 1 {
		p = 1
	}
	l.precision = p
	return l
}
func newLatency() Latency {
	return &metricLatency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000)), precision: time.Nanosecond}
}

type nilLatency struct{}

func (l *nilLatency) Time() Latency                   { return l }
func (l *nilLatency) Stop()                           {}
func (l *nilLatency) Capture() Latency                { return l }
func (l *nilLatency) GetPrecision() time.Duration     { return 0 }
func (l *nilLatency) Precision(time.Duration) Latency { return l }
func newNilLatency() Latency                          { return &nilLatency{} }

//
// JSON-renderable registry for the admin endpoint.
//
type jsonStatsRegistry struct {
	metrics.Registry
}

func NewJSONStatsRegistry() StatsRegistry {
	return &jsonStatsRegistry{metrics.NewRegistry()}
}

type jsonMap map[string]interface{}

func (r *jsonStatsRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.marshalAll())
}

func (r *jsonStatsRegistry) MarshalJSONPretty() ([]byte, error) {
	return json.MarshalIndent(r.marshalAll(), "", "  ")
}

func (r *jsonStatsRegistry) marshalAll() jsonMap {
	data := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		case Latency:
			l := stat.Capture()
			r.marshalHistogram(data, name, l.(HistogramView), l.GetPrecision())
		}
	})
	return data
}

func (r *jsonStatsRegistry) marshalHistogram(data jsonMap, name string, hist HistogramView, precision time.Duration) {
	f64p := float64(precision)
	i64p := int64(precision)
	data[name+".avg"] = hist.Mean() / f64p
	data[name+".count"] = hist.Count()
	data[name+".max"] = hist.Max() / i64p
	data[name+".min"] = hist.Min() / i64p
	data[name+".sum"] = hist.Sum() / i64p

	pctls := hist.Percentiles(defaultPercentiles)
	for i, pctl := range pctls {
		data[name+"."+defaultPercentileLabels[i]] = pctl / f64p
	}
}

var defaultPercentiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999, 0.9999}
var defaultPercentileLabels = []string{"p50", "p90", "p95", "p99", "p999", "p9999"}
