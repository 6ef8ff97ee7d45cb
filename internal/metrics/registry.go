// Package metrics owns the Prometheus series describing task health and the
// HTTP endpoint that exposes them.
//
// A nil *Registry is valid and records nothing. No method panics: failures
// inside the Prometheus client are recovered and logged.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	logx "statbot/pkg/logx"
)

// DurationBuckets are the task_duration_seconds histogram bounds.
var DurationBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60}

type Registry struct {
	log logx.Logger
	reg *prometheus.Registry

	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	active   prometheus.Gauge

	swallowed atomic.Uint64
}

type Option func(*options)

type options struct {
	runtime bool
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option { return func(o *options) { o.runtime = true } }

func New(log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	r := &Registry{
		log: log.With(logx.String("comp", "metrics")),
		reg: prometheus.NewRegistry(),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_retries_total",
			Help: "Retries scheduled after a failed task attempt.",
		}, []string{"task_name"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Wall time of task attempts.",
			Buckets: DurationBuckets,
		}, []string{"task_name"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_failures_total",
			Help: "Failed task attempts by error type.",
		}, []string{"task_name", "error_type"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_tasks",
			Help: "Task attempts currently running.",
		}),
	}
	r.reg.MustRegister(r.retries, r.duration, r.failures, r.active)
	if o.runtime {
		r.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Gatherer exposes the private registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// Retry counts one scheduled retry of task.
func (r *Registry) Retry(task string) {
	if r == nil {
		return
	}
	defer r.recover("retry", task)
	r.retries.WithLabelValues(task).Inc()
}

// Track opens a tracking scope around one attempt of task. The active gauge
// is raised now and lowered by End.
func (r *Registry) Track(task string) *Scope {
	if r == nil {
		return nil
	}
	s := &Scope{r: r, task: task, start: time.Now()}
	func() {
		defer r.recover("track", task)
		r.active.Inc()
		s.entered = true
	}()
	return s
}

// Swallowed counts recovered metric failures.
func (r *Registry) Swallowed() uint64 {
	if r == nil {
		return 0
	}
	return r.swallowed.Load()
}

func (r *Registry) recover(op, task string) {
	if p := recover(); p != nil {
		r.swallowed.Add(1)
		r.log.Error("metrics update failed",
			logx.String("op", op),
			logx.String("task", task),
			logx.Any("panic", p),
			logx.Stack(string(debug.Stack())),
		)
	}
}

// Scope is the tracking context of one attempt.
type Scope struct {
	r       *Registry
	task    string
	start   time.Time
	entered bool
	ended   atomic.Bool
}

// End closes the scope. Only the first call has an effect.
func (s *Scope) End(err error) {
	if s == nil || s.r == nil || !s.ended.CompareAndSwap(false, true) {
		return
	}
	r := s.r
	defer r.recover("end", s.task)
	if s.entered {
		r.active.Dec()
	}
	r.duration.WithLabelValues(s.task).Observe(time.Since(s.start).Seconds())
	if err != nil {
		r.failures.WithLabelValues(s.task, ErrorType(err)).Inc()
	}
}

// ErrorType is the error_type label for err.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		if t := typed.ErrorType(); t != "" {
			return t
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (r *Registry) ActiveTasks() float64 {
	if r == nil {
		return 0
	}
	return gaugeValue(r.active)
}

// Retries, Failures and Observations read from a gather so an unseen label
// set is reported as zero without creating the series.
func (r *Registry) Retries(task string) float64 {
	m := r.lookup("task_retries_total", "task_name", task)
	return m.GetCounter().GetValue()
}

func (r *Registry) Failures(task, errorType string) float64 {
	m := r.lookup("task_failures_total", "task_name", task, "error_type", errorType)
	return m.GetCounter().GetValue()
}

// Observations is the histogram sample count for task.
func (r *Registry) Observations(task string) uint64 {
	m := r.lookup("task_duration_seconds", "task_name", task)
	return m.GetHistogram().GetSampleCount()
}

// lookup returns the sample of family whose labels match the name/value
// pairs in kv, or nil.
func (r *Registry) lookup(family string, kv ...string) *dto.Metric {
	if r == nil {
		return nil
	}
	families, err := r.reg.Gather()
	if err != nil {
		r.log.Warn("metrics gather failed", logx.Err(err))
		return nil
	}
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(kv); i += 2 {
				if label(m, kv[i]) != kv[i+1] {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

// Summary is a flat view of the task series for health output.
type Summary struct {
	Active   float64            `json:"active"`
	Retries  map[string]float64 `json:"retries"`
	Failures map[string]float64 `json:"failures"`
	// Swallowed counts metric updates that panicked and were dropped.
	Swallowed uint64 `json:"swallowed,omitempty"`
}

func (r *Registry) Summary() (Summary, error) {
	out := Summary{Retries: map[string]float64{}, Failures: map[string]float64{}}
	if r == nil {
		return out, nil
	}
	out.Active = r.ActiveTasks()
	out.Swallowed = r.Swallowed()
	families, err := r.reg.Gather()
	if err != nil {
		return out, fmt.Errorf("gather: %w", err)
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "task_retries_total":
			for _, m := range mf.GetMetric() {
				out.Retries[label(m, "task_name")] = m.GetCounter().GetValue()
			}
		case "task_failures_total":
			for _, m := range mf.GetMetric() {
				key := label(m, "task_name") + "/" + label(m, "error_type")
				out.Failures[key] = m.GetCounter().GetValue()
			}
		}
	}
	return out, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func gaugeValue(g prometheus.Gauge) float64 {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}
