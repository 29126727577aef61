package policy

import (
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/observability"
)

// InternalPrefix marks object keys that carry bookkeeping data and never leave the service.
const InternalPrefix = "_"

// Sanitizer prepares agent output for delivery to a client. The zero value is not
// usable; use NewSanitizer or the package-level functions.
type Sanitizer struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewSanitizer returns a sanitizer reporting degraded renders to logger and metrics.
// Both may be nil.
func NewSanitizer(logger *zap.Logger, metrics *observability.Metrics) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{logger: logger, metrics: metrics}
}

var defaultSanitizer = NewSanitizer(nil, nil)

// PrepareClientResponse sanitizes v and renders it with a no-op logger.
func PrepareClientResponse(v Value) string {
	return defaultSanitizer.PrepareClientResponse(v)
}

// PrepareClientResponseAny converts x with FromAny and renders it.
func PrepareClientResponseAny(x any) string {
	return defaultSanitizer.PrepareClientResponseAny(x)
}

func (s *Sanitizer) PrepareClientResponseAny(x any) string {
	return s.PrepareClientResponse(FromAny(x))
}

// PrepareStoredContent renders persisted turn content for a client. Content holding a
// JSON object or array is sanitized structurally; anything else is treated as text.
func (s *Sanitizer) PrepareStoredContent(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if v, err := ParseJSON([]byte(trimmed)); err == nil {
			return s.PrepareClientResponse(v)
		}
	}
	return s.PrepareClientResponse(Text(content))
}

// PrepareClientResponse returns the client-safe text form of v. Text is returned as is
// after stripping; every other kind is encoded as compact JSON. A value that cannot be
// encoded falls back to a best-effort rendering which is stripped again.
func (s *Sanitizer) PrepareClientResponse(v Value) (out string) {
	defer func() {
		if r := recover(); r != nil {
			s.degraded(v.Kind(), fmt.Errorf("panic: %v", r))
			out = ""
		}
	}()

	clean := Sanitize(v)
	if s.metrics != nil {
		s.metrics.SanitizedResponses.WithLabelValues(clean.Kind().String()).Inc()
	}
	switch clean.Kind() {
	case KindText:
		return clean.text
	case KindNull:
		return ""
	}

	raw, err := clean.MarshalJSON()
	if err != nil {
		s.degraded(clean.Kind(), err)
		return StripInternalMetadata(render(clean))
	}
	return string(raw)
}

func (s *Sanitizer) degraded(kind Kind, err error) {
	s.logger.Warn("client response rendered without json encoding",
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
	if s.metrics != nil {
		s.metrics.SanitizerDegraded.Inc()
		s.metrics.ObserveIndicator("sanitizer_degraded")
	}
}

// Sanitize removes internal metadata from v. Object keys starting with InternalPrefix
// or named timestamp are dropped, remaining keys and all text are stripped of date-times,
// arrays keep their order and length, and opaque data is unpacked where it has structure.
func Sanitize(v Value) Value {
	switch v.kind {
	case KindText:
		return Text(StripInternalMetadata(v.text))
	case KindObject:
		fields := make([]Field, 0, len(v.fields))
		for _, f := range v.fields {
			key, ok := sanitizeKey(f.Key)
			if !ok {
				continue
			}
			fields = append(fields, F(key, Sanitize(f.Value)))
		}
		return Object(fields...)
	case KindArray:
		items := make([]Value, 0, len(v.items))
		for _, item := range v.items {
			items = append(items, Sanitize(item))
		}
		return Array(items...)
	case KindOpaque:
		// Opaque data may hide structure or a time.Time; only bare leaves stay opaque.
		inner := fromReflect(reflect.ValueOf(v.opaque), 0)
		if inner.kind == KindOpaque {
			return inner
		}
		return Sanitize(inner)
	default:
		return v
	}
}

func sanitizeKey(key string) (string, bool) {
	if isInternalKey(key) {
		return "", false
	}
	clean, changed := stripMetadata(key)
	if !changed {
		return key, true
	}
	if clean == "" || isInternalKey(clean) {
		return "", false
	}
	return clean, true
}

func isInternalKey(key string) bool {
	return strings.HasPrefix(key, InternalPrefix) || strings.EqualFold(key, "timestamp")
}
