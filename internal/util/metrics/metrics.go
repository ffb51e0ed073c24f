/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package metrics collects Prometheus counters/gauges for the cache
// subsystem. Instrumentation is carried as ambient stack even though
// spec.md's Non-goals exclude various features, because Non-goals
// bind functionality, not observability (SPEC_FULL.md §A.4).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric the cache subsystem emits. A nil
// *Collectors is valid and every method on it is a safe no-op, so
// callers that don't want metrics can pass nil without branching.
type Collectors struct {
	ARCHits       *prometheus.CounterVec
	ARCMisses     *prometheus.CounterVec
	ARCEvictions  *prometheus.CounterVec
	ARCBytesInUse *prometheus.GaugeVec

	CatalogReferences *prometheus.CounterVec
	CatalogQueueInits *prometheus.CounterVec
	CatalogNoCache    *prometheus.CounterVec

	DiskHydrations    prometheus.Counter
	DiskFlushes       prometheus.Counter
	DiskGCBytesFreed  prometheus.Counter
	PendingEvictions  prometheus.Gauge
	PendingHydrations prometheus.Gauge
}

// NewCollectors builds and registers a full set of collectors against
// reg. Pass prometheus.NewRegistry() in tests to avoid polluting the
// default global registry.
func NewCollectors(reg prometheus.Registerer, namespace string) *Collectors {
	c := &Collectors{
		ARCHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "arc", Name: "hits_total",
			Help: "ARC cache hits, labeled by cache instance.",
		}, []string{"instance"}),
		ARCMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "arc", Name: "misses_total",
			Help: "ARC cache misses, labeled by cache instance.",
		}, []string{"instance"}),
		ARCEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "arc", Name: "evictions_total",
			Help: "ARC cache evictions from RAM, labeled by cache instance.",
		}, []string{"instance"}),
		ARCBytesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "arc", Name: "bytes_in_use",
			Help: "Bytes currently resident in T1+T2, labeled by cache instance.",
		}, []string{"instance"}),
		CatalogReferences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "references_total",
			Help: "Rectangles sent as a CachedRect reference.",
		}, []string{"client"}),
		CatalogQueueInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "queued_inits_total",
			Help: "Rectangles queued for CachedRectInit delivery.",
		}, []string{"client"}),
		CatalogNoCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "catalog", Name: "no_cache_total",
			Help: "Rectangles that did not qualify for any caching decision.",
		}, []string{"client"}),
		DiskHydrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "diskstore", Name: "hydrations_total",
			Help: "Cold entries read back from disk into RAM.",
		}),
		DiskFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "diskstore", Name: "flushes_total",
			Help: "Dirty entries persisted to shard files.",
		}),
		DiskGCBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "diskstore", Name: "gc_bytes_freed_total",
			Help: "Bytes reclaimed from the index by garbage collection.",
		}),
		PendingEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "pending_evictions",
			Help: "Evictions queued for the next CacheEviction message.",
		}),
		PendingHydrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "pending_hydrations",
			Help: "Cold entries known to the index but not yet hydrated.",
		}),
	}
	for _, coll := range []prometheus.Collector{
		c.ARCHits, c.ARCMisses, c.ARCEvictions, c.ARCBytesInUse,
		c.CatalogReferences, c.CatalogQueueInits, c.CatalogNoCache,
		c.DiskHydrations, c.DiskFlushes, c.DiskGCBytesFreed,
		c.PendingEvictions, c.PendingHydrations,
	} {
		if reg != nil {
			reg.MustRegister(coll)
		}
	}
	return c
}

func (c *Collectors) arcHit(instance string) {
	if c == nil {
		return
	}
	c.ARCHits.WithLabelValues(instance).Inc()
}

func (c *Collectors) arcMiss(instance string) {
	if c == nil {
		return
	}
	c.ARCMisses.WithLabelValues(instance).Inc()
}

// ARCHit records a cache hit against the named ARC instance.
func (c *Collectors) ARCHit(instance string) { c.arcHit(instance) }

// ARCMiss records a cache miss against the named ARC instance.
func (c *Collectors) ARCMiss(instance string) { c.arcMiss(instance) }

// ARCEviction records an eviction from RAM against the named ARC
// instance.
func (c *Collectors) ARCEviction(instance string) {
	if c == nil {
		return
	}
	c.ARCEvictions.WithLabelValues(instance).Inc()
}

// SetARCBytesInUse records the current T1+T2 byte total for instance.
func (c *Collectors) SetARCBytesInUse(instance string, bytes int64) {
	if c == nil {
		return
	}
	c.ARCBytesInUse.WithLabelValues(instance).Set(float64(bytes))
}

// CatalogReference records a SendRef decision for client.
func (c *Collectors) CatalogReference(client string) {
	if c == nil {
		return
	}
	c.CatalogReferences.WithLabelValues(client).Inc()
}

// CatalogQueueInit records a QueueInit decision for client.
func (c *Collectors) CatalogQueueInit(client string) {
	if c == nil {
		return
	}
	c.CatalogQueueInits.WithLabelValues(client).Inc()
}

// CatalogNoCacheDecision records a NoCache decision for client.
func (c *Collectors) CatalogNoCacheDecision(client string) {
	if c == nil {
		return
	}
	c.CatalogNoCache.WithLabelValues(client).Inc()
}

// DiskHydration records a cold->hot transition.
func (c *Collectors) DiskHydration() {
	if c == nil {
		return
	}
	c.DiskHydrations.Inc()
}

// DiskFlush records a dirty-entry persist.
func (c *Collectors) DiskFlush() {
	if c == nil {
		return
	}
	c.DiskFlushes.Inc()
}

// DiskGCBytesFreed records bytes reclaimed by garbage collection.
func (c *Collectors) DiskGCBytesFreed(n int64) {
	if c == nil {
		return
	}
	c.DiskGCBytesFreed.Add(float64(n))
}

// SetPendingEvictions records the current depth of the pending
// eviction queue.
func (c *Collectors) SetPendingEvictions(n int) {
	if c == nil {
		return
	}
	c.PendingEvictions.Set(float64(n))
}

// SetPendingHydrations records the number of cold, not-yet-hydrated
// index entries.
func (c *Collectors) SetPendingHydrations(n int) {
	if c == nil {
		return
	}
	c.PendingHydrations.Set(float64(n))
}
