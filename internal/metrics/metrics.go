package metrics

import (
	"sync/atomic"
	"time"
)

// Registry collects the gateway's serving counters. One instance lives for
// the process lifetime and is shared between the content handler and the ops
// endpoint.
type Registry struct {
	startedAt time.Time

	requestsTotal    atomic.Int64
	responsesServed  atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	artifactsSize    atomic.Int64
	pullThroughSaves atomic.Int64
	mirrorFailures   atomic.Int64
	guardRejections  atomic.Int64
	upstreamFailures atomic.Int64
	checksumFailures atomic.Int64
}

func New() *Registry {
	return &Registry{startedAt: time.Now()}
}

// AddArtifactSize records bytes delivered to clients, the effective
// Content-Length of artifact responses.
func (r *Registry) AddArtifactSize(n int64) {
	if n > 0 {
		r.artifactsSize.Add(n)
	}
}

func (r *Registry) IncRequests()        { r.requestsTotal.Add(1) }
func (r *Registry) IncResponses()       { r.responsesServed.Add(1) }
func (r *Registry) IncCacheHit()        { r.cacheHits.Add(1) }
func (r *Registry) IncCacheMiss()       { r.cacheMisses.Add(1) }
func (r *Registry) IncPullThroughSave() { r.pullThroughSaves.Add(1) }
func (r *Registry) IncMirrorFailure()   { r.mirrorFailures.Add(1) }
func (r *Registry) IncGuardRejection()  { r.guardRejections.Add(1) }
func (r *Registry) IncUpstreamFailure() { r.upstreamFailures.Add(1) }
func (r *Registry) IncChecksumFailure() { r.checksumFailures.Add(1) }

// ArtifactsSize returns the running byte counter.
func (r *Registry) ArtifactsSize() int64 { return r.artifactsSize.Load() }

// Snapshot is the JSON shape the ops /metrics endpoint serves.
type Snapshot struct {
	UptimeSeconds    int64 `json:"uptime_seconds"`
	RequestsTotal    int64 `json:"requests_total"`
	ResponsesServed  int64 `json:"responses_served"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	ArtifactsSize    int64 `json:"artifacts_size_bytes"`
	PullThroughSaves int64 `json:"pull_through_saves"`
	MirrorFailures   int64 `json:"mirror_failures"`
	GuardRejections  int64 `json:"guard_rejections"`
	UpstreamFailures int64 `json:"upstream_failures"`
	ChecksumFailures int64 `json:"checksum_failures"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:    int64(time.Since(r.startedAt).Seconds()),
		RequestsTotal:    r.requestsTotal.Load(),
		ResponsesServed:  r.responsesServed.Load(),
		CacheHits:        r.cacheHits.Load(),
		CacheMisses:      r.cacheMisses.Load(),
		ArtifactsSize:    r.artifactsSize.Load(),
		PullThroughSaves: r.pullThroughSaves.Load(),
		MirrorFailures:   r.mirrorFailures.Load(),
		GuardRejections:  r.guardRejections.Load(),
		UpstreamFailures: r.upstreamFailures.Load(),
		ChecksumFailures: r.checksumFailures.Load(),
	}
}
