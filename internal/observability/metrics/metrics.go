package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder aggregates in-memory counters and gauges for transcode jobs,
// uploads, thumbnails and queue traffic. Writers are coordinated through a
// RWMutex while the active job gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	jobEvents       map[string]uint64
	jobFailures     map[string]uint64
	jobDuration     time.Duration
	encodeCount     uint64
	encodeDuration  time.Duration
	uploadCount     map[string]uint64
	uploadBytes     map[string]int64
	thumbnailEvents map[string]uint64
	queueEvents     map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	r := &Recorder{}
	r.Reset()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// JobStarted records the beginning of a transcode job and increments the
// active job gauge.
func (r *Recorder) JobStarted() {
	r.incr(r.jobEvents, "start")
	r.activeJobs.Add(1)
}

// JobCompleted records a job that reached DONE.
func (r *Recorder) JobCompleted(duration time.Duration) {
	r.mu.Lock()
	r.jobEvents["done"]++
	r.jobDuration += duration
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a job that reached ERROR, keyed by the stage that failed
// (probe, encode, playlist, publish, persist).
func (r *Recorder) JobFailed(stage string) {
	r.mu.Lock()
	r.jobEvents["error"]++
	r.jobFailures[normalizeName(stage)]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
}

// ObserveEncode accumulates wall time spent inside the encoder process.
func (r *Recorder) ObserveEncode(duration time.Duration) {
	r.mu.Lock()
	r.encodeCount++
	r.encodeDuration += duration
	r.mu.Unlock()
}

// ObserveUpload records one uploaded object of the given kind (segment,
// playlist, source) and its size.
func (r *Recorder) ObserveUpload(kind string, size int64) {
	label := normalizeName(kind)
	r.mu.Lock()
	r.uploadCount[label]++
	if size > 0 {
		r.uploadBytes[label] += size
	}
	r.mu.Unlock()
}

// ObserveThumbnails records extracted frames for preview or selection.
func (r *Recorder) ObserveThumbnails(kind string, count int) {
	if count <= 0 {
		return
	}
	label := normalizeName(kind)
	r.mu.Lock()
	r.thumbnailEvents[label] += uint64(count)
	r.mu.Unlock()
}

// ObserveQueue records queue traffic (enqueue, dequeue, recovered, duplicate).
func (r *Recorder) ObserveQueue(event string) {
	r.incr(r.queueEvents, event)
}

// ActiveJobs exposes the current number of running jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns copies of the job event and failure counters.
func (r *Recorder) JobCounts() (events map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.jobEvents), copyCounts(r.jobFailures)
}

// UploadCounts returns a copy of the upload counters keyed by kind.
func (r *Recorder) UploadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.uploadCount)
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobEvents = make(map[string]uint64)
	r.jobFailures = make(map[string]uint64)
	r.jobDuration = 0
	r.encodeCount = 0
	r.encodeDuration = 0
	r.uploadCount = make(map[string]uint64)
	r.uploadBytes = make(map[string]int64)
	r.thumbnailEvents = make(map[string]uint64)
	r.queueEvents = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets
// so scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP vodforge_jobs_total Transcode job events by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_jobs_total counter")
	for _, event := range sortedKeys(r.jobEvents) {
		fmt.Fprintf(w, "vodforge_jobs_total{event=\"%s\"} %d\n", event, r.jobEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_job_failures_total Failed transcode jobs by stage")
	fmt.Fprintln(w, "# TYPE vodforge_job_failures_total counter")
	for _, stage := range sortedKeys(r.jobFailures) {
		fmt.Fprintf(w, "vodforge_job_failures_total{stage=\"%s\"} %d\n", stage, r.jobFailures[stage])
	}

	fmt.Fprintln(w, "# HELP vodforge_job_duration_seconds_sum Cumulative duration of successful jobs")
	fmt.Fprintln(w, "# TYPE vodforge_job_duration_seconds_sum counter")
	fmt.Fprintf(w, "vodforge_job_duration_seconds_sum %f\n", r.jobDuration.Seconds())

	fmt.Fprintln(w, "# HELP vodforge_active_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE vodforge_active_jobs gauge")
	fmt.Fprintf(w, "vodforge_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodforge_encode_duration_seconds_sum Cumulative encoder process wall time")
	fmt.Fprintln(w, "# TYPE vodforge_encode_duration_seconds_sum counter")
	fmt.Fprintf(w, "vodforge_encode_duration_seconds_sum %f\n", r.encodeDuration.Seconds())
	fmt.Fprintln(w, "# HELP vodforge_encode_duration_seconds_count Encoder invocations observed")
	fmt.Fprintln(w, "# TYPE vodforge_encode_duration_seconds_count counter")
	fmt.Fprintf(w, "vodforge_encode_duration_seconds_count %d\n", r.encodeCount)

	fmt.Fprintln(w, "# HELP vodforge_uploads_total Objects uploaded to remote storage by kind")
	fmt.Fprintln(w, "# TYPE vodforge_uploads_total counter")
	for _, kind := range sortedKeys(r.uploadCount) {
		fmt.Fprintf(w, "vodforge_uploads_total{kind=\"%s\"} %d\n", kind, r.uploadCount[kind])
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_bytes_total Bytes uploaded to remote storage by kind")
	fmt.Fprintln(w, "# TYPE vodforge_upload_bytes_total counter")
	for _, kind := range sortedKeys(r.uploadCount) {
		fmt.Fprintf(w, "vodforge_upload_bytes_total{kind=\"%s\"} %d\n", kind, r.uploadBytes[kind])
	}

	fmt.Fprintln(w, "# HELP vodforge_thumbnails_total Extracted thumbnail frames by purpose")
	fmt.Fprintln(w, "# TYPE vodforge_thumbnails_total counter")
	for _, kind := range sortedKeys(r.thumbnailEvents) {
		fmt.Fprintf(w, "vodforge_thumbnails_total{kind=\"%s\"} %d\n", kind, r.thumbnailEvents[kind])
	}

	fmt.Fprintln(w, "# HELP vodforge_queue_events_total Job queue events by type")
	fmt.Fprintln(w, "# TYPE vodforge_queue_events_total counter")
	for _, event := range sortedKeys(r.queueEvents) {
		fmt.Fprintf(w, "vodforge_queue_events_total{event=\"%s\"} %d\n", event, r.queueEvents[event])
	}
}

func (r *Recorder) incr(counter map[string]uint64, name string) {
	label := normalizeName(name)
	r.mu.Lock()
	counter[label]++
	r.mu.Unlock()
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
