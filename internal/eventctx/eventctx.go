// Package eventctx is the request-scoped context store (C1). It carries
// the canonical correlation fields defined by the logging pipeline
// through context.Context, the same way internal/auth carries JWT claims:
// a single unexported key type and typed accessor functions, never a
// process-global map.
//
// The store is request-local by construction: it rides on
// context.Context, so it is inherently safe across goroutines as long as
// the context is threaded through explicitly. Copy/WithSnapshot is
// the explicit capture-and-restore handle spec callers need when
// spawning a background task from within a request scope — the task
// must be started with WithSnapshot(bgCtx, Copy(reqCtx)) to observe
// the request's values.
package eventctx

import "context"

type ctxKey struct{}

// Record holds the canonical per-request entries. Every field is a
// pointer so "unset" is distinguishable from the zero value (e.g. a
// latency of exactly 0ms, or status code 0 during an in-flight request).
type Record struct {
	TraceID    *string
	SpanID     *string
	LatencyMs  *float64
	StatusCode *int
	ReqBytes   *int64
	ResBytes   *int64
	UserAgent  *string
	ClientIP   *string
	Method     *string
	Path       *string
	UserID     *string
	UserRoles  []string
	AuthScheme *string
}

// clone returns a deep-enough copy so that mutating the copy never
// affects the original (pointers are re-allocated, the slice is copied).
func (r *Record) clone() *Record {
	if r == nil {
		return &Record{}
	}
	out := *r
	out.TraceID = clonePtr(r.TraceID)
	out.SpanID = clonePtr(r.SpanID)
	out.LatencyMs = clonePtr(r.LatencyMs)
	out.StatusCode = clonePtr(r.StatusCode)
	out.ReqBytes = clonePtr(r.ReqBytes)
	out.ResBytes = clonePtr(r.ResBytes)
	out.UserAgent = clonePtr(r.UserAgent)
	out.ClientIP = clonePtr(r.ClientIP)
	out.Method = clonePtr(r.Method)
	out.Path = clonePtr(r.Path)
	out.UserID = clonePtr(r.UserID)
	out.AuthScheme = clonePtr(r.AuthScheme)
	if r.UserRoles != nil {
		out.UserRoles = append([]string(nil), r.UserRoles...)
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Entries is a mutable subset applied via Bind. Unknown fields are
// rejected by Bind's field-name variant (BindFields); Entries itself is
// typed so there is no such thing as an "unknown key" here — the
// programming-error case in spec.md is enforced by BindFields, used by
// callers that build the update dynamically (e.g. from enricher output).
type Entries struct {
	TraceID    *string
	SpanID     *string
	LatencyMs  *float64
	StatusCode *int
	ReqBytes   *int64
	ResBytes   *int64
	UserAgent  *string
	ClientIP   *string
	Method     *string
	Path       *string
	UserID     *string
	UserRoles  []string
	AuthScheme *string
}

// recordFrom returns the Record stored in ctx, or an empty Record if
// none is present. Never returns nil.
func recordFrom(ctx context.Context) *Record {
	if r, ok := ctx.Value(ctxKey{}).(*Record); ok && r != nil {
		return r
	}
	return &Record{}
}

// Bind returns a new context with entries merged over whatever record
// was already present. Fields left nil/empty in entries are unchanged.
func Bind(ctx context.Context, entries Entries) context.Context {
	cur := recordFrom(ctx).clone()
	if entries.TraceID != nil {
		cur.TraceID = entries.TraceID
	}
	if entries.SpanID != nil {
		cur.SpanID = entries.SpanID
	}
	if entries.LatencyMs != nil {
		cur.LatencyMs = entries.LatencyMs
	}
	if entries.StatusCode != nil {
		cur.StatusCode = entries.StatusCode
	}
	if entries.ReqBytes != nil {
		cur.ReqBytes = entries.ReqBytes
	}
	if entries.ResBytes != nil {
		cur.ResBytes = entries.ResBytes
	}
	if entries.UserAgent != nil {
		cur.UserAgent = entries.UserAgent
	}
	if entries.ClientIP != nil {
		cur.ClientIP = entries.ClientIP
	}
	if entries.Method != nil {
		cur.Method = entries.Method
	}
	if entries.Path != nil {
		cur.Path = entries.Path
	}
	if entries.UserID != nil {
		cur.UserID = entries.UserID
	}
	if entries.UserRoles != nil {
		cur.UserRoles = entries.UserRoles
	}
	if entries.AuthScheme != nil {
		cur.AuthScheme = entries.AuthScheme
	}
	return context.WithValue(ctx, ctxKey{}, cur)
}

// knownFields is the set of reserved keys BindFields accepts.
var knownFields = map[string]bool{
	"trace_id": true, "span_id": true, "latency_ms": true, "status_code": true,
	"req_bytes": true, "res_bytes": true, "user_agent": true, "client_ip": true,
	"method": true, "path": true, "user_id": true, "user_roles": true, "auth_scheme": true,
}

// BindFields binds a dynamically-built map of field name to value (as
// produced by, e.g., an enricher reading config). It rejects unknown
// keys with a programming-error panic, matching spec.md §4.1's
// requirement that bind_context on an unknown key is a programming
// error rather than a runtime one.
func BindFields(ctx context.Context, fields map[string]any) context.Context {
	for k := range fields {
		if !knownFields[k] {
			panic("eventctx: unknown context field: " + k)
		}
	}
	entries := Entries{}
	for k, v := range fields {
		switch k {
		case "trace_id":
			entries.TraceID = strPtrOf(v)
		case "span_id":
			entries.SpanID = strPtrOf(v)
		case "latency_ms":
			entries.LatencyMs = floatPtrOf(v)
		case "status_code":
			entries.StatusCode = intPtrOf(v)
		case "req_bytes":
			entries.ReqBytes = int64PtrOf(v)
		case "res_bytes":
			entries.ResBytes = int64PtrOf(v)
		case "user_agent":
			entries.UserAgent = strPtrOf(v)
		case "client_ip":
			entries.ClientIP = strPtrOf(v)
		case "method":
			entries.Method = strPtrOf(v)
		case "path":
			entries.Path = strPtrOf(v)
		case "user_id":
			entries.UserID = strPtrOf(v)
		case "auth_scheme":
			entries.AuthScheme = strPtrOf(v)
		case "user_roles":
			if roles, ok := v.([]string); ok {
				entries.UserRoles = roles
			}
		}
	}
	return Bind(ctx, entries)
}

func strPtrOf(v any) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func intPtrOf(v any) *int {
	if i, ok := v.(int); ok {
		return &i
	}
	return nil
}

func int64PtrOf(v any) *int64 {
	if i, ok := v.(int64); ok {
		return &i
	}
	return nil
}

func floatPtrOf(v any) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

// Clear returns a context with all entries reset to "unset". Since
// Record rides on context.Context, this means installing a fresh empty
// Record rather than mutating anything reachable from a parent context
// (which would leak into sibling request scopes).
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &Record{})
}

// Get returns a snapshot as a mapping of the reserved keys. Absent
// fields are simply omitted.
func Get(ctx context.Context) map[string]any {
	r := recordFrom(ctx)
	out := make(map[string]any, 13)
	putStr(out, "trace_id", r.TraceID)
	putStr(out, "span_id", r.SpanID)
	putFloat(out, "latency_ms", r.LatencyMs)
	putInt(out, "status_code", r.StatusCode)
	putInt64(out, "req_bytes", r.ReqBytes)
	putInt64(out, "res_bytes", r.ResBytes)
	putStr(out, "user_agent", r.UserAgent)
	putStr(out, "client_ip", r.ClientIP)
	putStr(out, "method", r.Method)
	putStr(out, "path", r.Path)
	putStr(out, "user_id", r.UserID)
	putStr(out, "auth_scheme", r.AuthScheme)
	if len(r.UserRoles) > 0 {
		out["user_roles"] = append([]string(nil), r.UserRoles...)
	}
	return out
}

func putStr(m map[string]any, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}

func putInt(m map[string]any, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}

func putInt64(m map[string]any, key string, v *int64) {
	if v != nil {
		m[key] = *v
	}
}

func putFloat(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

// Snapshot is the restorable handle produced by context_copy(). It is
// deliberately a distinct type from Record so callers cannot accidentally
// mutate a live context's backing record through it.
type Snapshot struct {
	record *Record
}

// Copy captures a restorable snapshot of the current context's record.
func Copy(ctx context.Context) Snapshot {
	return Snapshot{record: recordFrom(ctx).clone()}
}

// WithSnapshot installs a previously captured snapshot into ctx. Reads
// inside work spawned with the returned context observe the snapshot's
// values, not whatever the spawning goroutine's context later becomes.
func WithSnapshot(ctx context.Context, snap Snapshot) context.Context {
	return context.WithValue(ctx, ctxKey{}, snap.record.clone())
}

// Str is a convenience constructor for building Entries inline, e.g.
// eventctx.Bind(ctx, eventctx.Entries{TraceID: eventctx.Str("abc123")}).
func Str(v string) *string { return &v }

// Int is a convenience constructor, see Str.
func Int(v int) *int { return &v }

// Int64 is a convenience constructor, see Str.
func Int64(v int64) *int64 { return &v }

// Float is a convenience constructor, see Str.
func Float(v float64) *float64 { return &v }
