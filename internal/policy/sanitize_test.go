package policy

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/convmem/internal/observability"
)

func TestStripInternalMetadataRemovesTimestampField(t *testing.T) {
	out := StripInternalMetadata(`{"content": "Hello", "_timestamp": "2024-01-15T10:30:00"}`)

	assert.NotContains(t, out, "_timestamp")
	assert.NotContains(t, out, "2024-01-15")
	assert.Equal(t, `{"content": "Hello"}`, out)
	assert.True(t, json.Valid([]byte(out)))
}

func TestStripInternalMetadataLeavesPlainTextUntouched(t *testing.T) {
	inputs := []string{
		"O preço do arroz é R$ 25,90",
		"  leading and trailing space  ",
		"meeting on 2024-01-15 at noon",
		"a, , b",
		"",
	}
	for _, in := range inputs {
		assert.Equal(t, in, StripInternalMetadata(in))
	}
}

func TestStripInternalMetadataFormats(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare assignment", in: "reply ready _timestamp=2024-01-15T10:30:00Z", want: "reply ready"},
		{name: "bare colon", in: "status ok, _timestamp: 1705314600", want: "status ok,"},
		{name: "inline iso with offset", in: "sent 2024-01-15T10:30:00.123+02:00 ok", want: "sent  ok"},
		{name: "leading field", in: `{"_timestamp": "x", "a": 1}`, want: `{"a": 1}`},
		{name: "middle field", in: `{"a": 1, "_timestamp": "x", "b": 2}`, want: `{"a": 1, "b": 2}`},
		{name: "only field", in: `{"_timestamp": "x"}`, want: `{}`},
		{name: "array element", in: `["2024-01-15T10:30:00Z", "b"]`, want: `["", "b"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripInternalMetadata(tc.in))
		})
	}
}

func TestSanitizeDropsInternalKeysRecursively(t *testing.T) {
	in := Object(
		F("content", Text("Olá, tudo bem?")),
		F("_timestamp", Text("2024-01-15T10:30:00")),
		F("_session_duration", Int(3600)),
		F("_confidence", Float(0.85)),
		F("timestamp", Text("2024-01-15T10:30:00")),
		F("metadata", Object(
			F("source", Text("agent")),
			F("_timestamp", Text("2024-01-15T10:30:00")),
		)),
	)

	out := Sanitize(in)

	require.Equal(t, KindObject, out.Kind())
	require.Len(t, out.Fields(), 2)
	content, ok := out.Get("content")
	require.True(t, ok)
	text, _ := content.AsText()
	assert.Equal(t, "Olá, tudo bem?", text)

	meta, ok := out.Get("metadata")
	require.True(t, ok)
	require.Len(t, meta.Fields(), 1)
	assert.Equal(t, "source", meta.Fields()[0].Key)
}

func TestSanitizeStripsKeysContainingDateTimes(t *testing.T) {
	out := Sanitize(Object(
		F("2024-01-15T10:30:00Z", Int(1)),
		F("2024-01-15T10:30:00Z_x", Int(2)),
		F("run 2024-01-15T10:30:00Z", Int(3)),
	))

	require.Len(t, out.Fields(), 1)
	assert.Equal(t, "run", out.Fields()[0].Key)
}

func TestSanitizeKeepsArrayOrderAndLength(t *testing.T) {
	out := Sanitize(Array(
		Text("first"),
		Object(F("_confidence", Float(0.9))),
		Text("at 2024-01-15T10:30:00Z"),
		Int(7),
	))

	items := out.Items()
	require.Len(t, items, 4)
	first, _ := items[0].AsText()
	assert.Equal(t, "first", first)
	assert.Empty(t, items[1].Fields())
	third, _ := items[2].AsText()
	assert.Equal(t, "at", third)
	n, _ := items[3].AsNumber()
	assert.Equal(t, json.Number("7"), n)
}

func TestPrepareClientResponseText(t *testing.T) {
	assert.Equal(t, "Hello there", PrepareClientResponse(Text("Hello there")))
	assert.Equal(t, "O preço do arroz é R$ 25,90", PrepareClientResponse(Text("O preço do arroz é R$ 25,90")))
}

func TestPrepareClientResponseStructuredIsValidJSON(t *testing.T) {
	out := PrepareClientResponse(Object(
		F("content", Text("<b>Olá</b>")),
		F("_timestamp", Text("2024-01-15T10:30:00")),
		F("items", Array(Text("a"), Text("b"))),
		F("done", Bool(true)),
		F("next", Null()),
	))

	assert.Equal(t, `{"content":"<b>Olá</b>","items":["a","b"],"done":true,"next":null}`, out)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.NotContains(t, decoded, "_timestamp")
}

func TestPrepareClientResponseScalars(t *testing.T) {
	assert.Equal(t, "42", PrepareClientResponse(Int(42)))
	assert.Equal(t, "false", PrepareClientResponse(Bool(false)))
	assert.Equal(t, "", PrepareClientResponse(Null()))
}

func TestPrepareClientResponseAny(t *testing.T) {
	type reply struct {
		Content   string    `json:"content"`
		Timestamp time.Time `json:"_timestamp"`
		Score     float64   `json:"_confidence"`
	}
	out := PrepareClientResponseAny(reply{
		Content:   "done",
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Score:     0.85,
	})
	assert.Equal(t, `{"content":"done"}`, out)

	out = PrepareClientResponseAny(map[string]any{
		"b":          1,
		"a":          "x",
		"_timestamp": "2024-01-15T10:30:00",
	})
	assert.Equal(t, `{"a":"x","b":1}`, out)

	out = PrepareClientResponseAny(json.RawMessage(`{"z":1,"_meta":{"k":2},"y":[1,2]}`))
	assert.Equal(t, `{"z":1,"y":[1,2]}`, out)

	assert.Equal(t, "", PrepareClientResponseAny(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)))
	assert.Equal(t, "", PrepareClientResponseAny(nil))
}

func TestPrepareClientResponseDegradedPath(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	s := NewSanitizer(nil, metrics)

	var out string
	require.NotPanics(t, func() {
		out = s.PrepareClientResponse(Object(
			F("reply", Text("hi")),
			F("handle", Opaque(make(chan int))),
		))
	})
	assert.Contains(t, out, "reply: hi")
	assert.Equal(t, 1.0, counterValue(t, reg, "test_sanitizer_degraded_total"))

	out = s.PrepareClientResponse(Array(Float(math.NaN()), Text("2024-01-15T10:30:00Z")))
	assert.Equal(t, "[NaN, ]", out)
	assert.Equal(t, 2.0, counterValue(t, reg, "test_sanitizer_degraded_total"))
}

func TestPrepareStoredContent(t *testing.T) {
	s := NewSanitizer(nil, nil)

	assert.Equal(t, `{"answer":"R$ 25,90"}`, s.PrepareStoredContent(`{"answer": "R$ 25,90", "_confidence": 0.85}`))
	assert.Equal(t, `[{"a":1}]`, s.PrepareStoredContent(`[{"a":1,"_session_duration":3600}]`))
	assert.Equal(t, "{not json}", s.PrepareStoredContent("{not json, _timestamp=2024-01-15T10:30:00}"))
	assert.Equal(t, "Bom dia!", s.PrepareStoredContent("Bom dia!"))
}

func TestParseJSONPreservesOrderAndRejectsTrailingData(t *testing.T) {
	v, err := ParseJSON([]byte(`{"b":1,"a":{"d":true,"c":null}}`))
	require.NoError(t, err)
	raw, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":{"d":true,"c":null}}`, string(raw))

	_, err = ParseJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
	_, err = ParseJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestFromAnyFallsBackToOpaque(t *testing.T) {
	fn := func() {}
	v := FromAny(fn)
	assert.Equal(t, KindOpaque, v.Kind())

	v = FromAny(map[string]any{"f": fn, "ok": 1})
	require.Equal(t, KindObject, v.Kind())
	f, ok := v.Get("f")
	require.True(t, ok)
	assert.Equal(t, KindOpaque, f.Kind())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestStripInternalMetadataRescansSplicedDateTimes(t *testing.T) {
	in := "a" + strings.Repeat("2024-01-15T1", 5) + "2024-01-15T10:30:00" + strings.Repeat("0:30:00", 5) + "b"

	out := StripInternalMetadata(in)

	assert.Equal(t, "ab", out)
	assert.False(t, isoDateTime.MatchString(out))
}

func TestPrepareClientResponseAnyWalksUnencodableStructs(t *testing.T) {
	type envelope struct {
		Reply string         `json:"reply"`
		Meta  map[string]any `json:"meta"`
		Hook  func()         `json:"hook"`
	}
	reg := prometheus.NewRegistry()
	s := NewSanitizer(nil, observability.NewMetrics("walk", reg))

	out := s.PrepareClientResponseAny(envelope{
		Reply: "ok",
		Meta: map[string]any{
			"_confidence": 0.93,
			"timestamp":   "x",
			"source":      "agent",
			"at":          time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		Hook: func() {},
	})

	assert.Contains(t, out, "reply: ok")
	assert.Contains(t, out, "source: agent")
	assert.NotContains(t, out, "_confidence")
	assert.NotContains(t, out, "timestamp")
	assert.NotContains(t, out, "2024-01-15")
	assert.Equal(t, 1.0, counterValue(t, reg, "walk_sanitizer_degraded_total"))
}

func TestPrepareClientResponseAnyWalksTypedMaps(t *testing.T) {
	out := PrepareClientResponseAny(map[string]map[string]any{
		"m": {"_confidence": 0.9, "f": func() {}, "keep": "yes"},
	})

	assert.NotContains(t, out, "_confidence")
	assert.Contains(t, out, "keep: yes")
}

func TestSanitizeUnpacksOpaqueValues(t *testing.T) {
	when := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, `{"when":""}`, PrepareClientResponse(Object(F("when", Opaque(when)))))
	assert.Equal(t, `{"a":1}`, PrepareClientResponse(Opaque(map[string]any{"a": 1, "_score": 2})))
	assert.Equal(t, `{"n":{"k":"v"}}`, PrepareClientResponse(Object(F("n", Opaque(Opaque(map[string]string{"k": "v", "timestamp": "t"}))))))

	kept := Sanitize(Opaque(make(chan int)))
	assert.Equal(t, KindOpaque, kept.Kind())
}

func TestFromAnyFollowsJSONFieldNaming(t *testing.T) {
	type Base struct {
		ID string `json:"id"`
	}
	type payload struct {
		Base
		Name    string `json:"name,omitempty"`
		Skipped string `json:"-"`
		Plain   int
		hidden  string
		Fn      func()
	}

	v := FromAny(payload{Base: Base{ID: "x"}, Skipped: "no", Plain: 3, hidden: "h", Fn: func() {}})

	require.Equal(t, KindObject, v.Kind())
	keys := make([]string, 0, len(v.Fields()))
	for _, f := range v.Fields() {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"id", "Plain", "Fn"}, keys)
	fn, _ := v.Get("Fn")
	assert.Equal(t, KindOpaque, fn.Kind())
}
