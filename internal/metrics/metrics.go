// Package metrics is a small Prometheus text-format registry for the ledger,
// the watcher jobs and the compute provisioners.
package metrics

import (
	"bufio"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Labels are the label pairs of one series.
type Labels map[string]string

var latencyBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

type series struct {
	labels  Labels
	value   float64
	count   uint64
	sum     float64
	buckets []uint64
}

type family struct {
	name    string
	help    string
	kind    kind
	bounds  []float64
	samples map[string]*series
}

func (f *family) series(labels Labels) *series {
	key := labelKey(labels)
	s := f.samples[key]
	if s == nil {
		s = &series{labels: copyLabels(labels)}
		if f.kind == kindHistogram {
			s.buckets = make([]uint64, len(f.bounds)+1)
		}
		f.samples[key] = s
	}
	return s
}

type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family)}

	r.Counter("quorum_ledger_operations_total", "Ledger operations by operation and status.")
	r.Counter("quorum_ledger_transfers_total", "Value transfers by direction and status.")
	r.Counter("quorum_events_published_total", "Ledger events published by sink and status.")

	r.Counter("quorum_job_runs_total", "Watcher job runs by job and status.")
	r.Histogram("quorum_job_duration_ms", "Watcher job duration in milliseconds by job.", 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000)
	r.Gauge("quorum_job_last_success_seconds", "Unix time of the last successful run by job.")

	r.Counter("quorum_compute_provision_total", "Compute provision attempts by provider, tier and status.")
	r.Histogram("quorum_compute_provision_latency_ms", "Compute provision latency in milliseconds by provider, tier and status.", latencyBuckets...)
	r.Counter("quorum_compute_deprovision_total", "Compute deprovision attempts by provider and status.")
	r.Histogram("quorum_compute_deprovision_latency_ms", "Compute deprovision latency in milliseconds by provider and status.", latencyBuckets...)

	r.Counter("quorum_aws_operations_total", "AWS calls by operation, region and status.")
	r.Histogram("quorum_aws_operation_latency_ms", "AWS call latency in milliseconds by operation, region and status.", latencyBuckets...)
	r.Counter("quorum_aws_retries_total", "AWS retries by operation, region and error code.")
	r.Counter("quorum_aws_retry_exhausted_total", "AWS calls that ran out of retries by operation and region.")
	return r
}

func (r *Registry) Counter(name, help string) { r.register(name, help, kindCounter, nil) }

func (r *Registry) Gauge(name, help string) { r.register(name, help, kindGauge, nil) }

func (r *Registry) Histogram(name, help string, bounds ...float64) {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	r.register(name, help, kindHistogram, sorted)
}

func (r *Registry) register(name, help string, k kind, bounds []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = &family{name: name, help: help, kind: k, bounds: bounds, samples: make(map[string]*series)}
}

// lookup returns the family only when it is registered with kind k. Unknown or
// mistyped names are dropped silently.
func (r *Registry) lookup(name string, k kind) *family {
	f := r.families[name]
	if f == nil || f.kind != k {
		return nil
	}
	return f
}

func (r *Registry) Inc(name string, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.lookup(name, kindCounter); f != nil {
		f.series(labels).value++
	}
}

func (r *Registry) Set(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.lookup(name, kindGauge); f != nil {
		f.series(labels).value = value
	}
}

func (r *Registry) Observe(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.lookup(name, kindHistogram)
	if f == nil {
		return
	}
	s := f.series(labels)
	s.buckets[sort.SearchFloat64s(f.bounds, value)]++
	s.count++
	s.sum += value
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = r.WriteTo(w)
	})
}

func (r *Registry) Render() string {
	var b strings.Builder
	_, _ = r.WriteTo(&b)
	return b.String()
}

// WriteTo writes every family in name order, series sorted by label set.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := r.families[name]
		bw.WriteString("# HELP " + name + " " + f.help + "\n")
		bw.WriteString("# TYPE " + name + " " + string(f.kind) + "\n")

		keys := make([]string, 0, len(f.samples))
		for key := range f.samples {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			s := f.samples[key]
			if f.kind != kindHistogram {
				writeSample(bw, name, s.labels, "", "", formatFloat(s.value))
				continue
			}
			var cumulative uint64
			for i, n := range s.buckets {
				cumulative += n
				le := "+Inf"
				if i < len(f.bounds) {
					le = formatFloat(f.bounds[i])
				}
				writeSample(bw, name+"_bucket", s.labels, "le", le, strconv.FormatUint(cumulative, 10))
			}
			writeSample(bw, name+"_sum", s.labels, "", "", formatFloat(s.sum))
			writeSample(bw, name+"_count", s.labels, "", "", strconv.FormatUint(s.count, 10))
		}
	}
	err := bw.Flush()
	return cw.n, err
}

// writeSample writes one sample line. extraKey, when set, is appended after the
// sorted series labels (used for the histogram le label).
func writeSample(w *bufio.Writer, name string, labels Labels, extraKey, extraValue, value string) {
	w.WriteString(name)
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > 0 || extraKey != "" {
		w.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				w.WriteByte(',')
			}
			w.WriteString(key + `="` + escape(labels[key]) + `"`)
		}
		if extraKey != "" {
			if len(keys) > 0 {
				w.WriteByte(',')
			}
			w.WriteString(extraKey + `="` + extraValue + `"`)
		}
		w.WriteByte('}')
	}
	w.WriteString(" " + value + "\n")
}

func labelKey(labels Labels) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = key + "\x00" + labels[key]
	}
	return strings.Join(parts, "\x01")
}

func copyLabels(in Labels) Labels {
	out := make(Labels, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escape(v string) string { return labelEscaper.Replace(v) }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
