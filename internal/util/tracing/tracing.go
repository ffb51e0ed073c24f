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

// Package tracing wraps OpenTelemetry span creation for the cache
// subsystem. Adapted from the teacher's internal/util/tracing: the
// teacher builds spans around inbound HTTP requests (PrepareRequest,
// SpanFromContext keyed off request-scoped context values); this
// module has no HTTP request in its critical path (the cache lives
// inside an RFB connection), so the HTTP-request plumbing
// (httptrace.Extract, distributedcontext maps) is dropped and replaced
// with plain per-operation and per-connection span constructors.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/api/core"
	"go.opentelemetry.io/otel/api/global"
	"go.opentelemetry.io/otel/api/key"
	"go.opentelemetry.io/otel/api/trace"
)

// ApplicationName/Version label the tracer, mirroring the teacher's
// runtime.ApplicationName/ApplicationVersion pair.
const (
	ApplicationName    = "tigervnc-contentcache"
	ApplicationVersion = "1.0.0"
)

// Name returns the tracer name used for every span this package opens.
func Name() string {
	return fmt.Sprintf("%s/%s", ApplicationName, ApplicationVersion)
}

// NewSpan opens a new span named spanName with a "cacheKey" attribute,
// mirroring the teacher's engines.QueryCache/WriteCache
// span-per-cache-operation pattern.
func NewSpan(ctx context.Context, spanName string, cacheKey string) (context.Context, trace.Span) {
	tr := global.TraceProvider().Tracer(Name())
	return tr.Start(ctx, spanName, trace.WithAttributes(key.String("cacheKey", cacheKey)))
}

// NewConnectionSpan opens a span scoped to one RFB connection,
// carrying a connection id attribute so spans from concurrent
// connections can be told apart in a trace backend.
func NewConnectionSpan(ctx context.Context, spanName string, connID string, attrs ...core.KeyValue) (context.Context, trace.Span) {
	tr := global.TraceProvider().Tracer(Name())
	all := append([]core.KeyValue{key.String("connID", connID)}, attrs...)
	return tr.Start(ctx, spanName, trace.WithAttributes(all...))
}
