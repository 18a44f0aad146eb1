package benchmarks

import (
	"testing"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

func benchCodec(b *testing.B, name string) {
	codec, err := event.CodecByName(name)
	if err != nil {
		b.Fatal(err)
	}
	evt := noteEvent(1)
	data, err := codec.Marshal(evt)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ = codec.Marshal(evt)
		var out event.Event
		if err := codec.Unmarshal(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCodec_JSON round-trips an event through JSON.
func BenchmarkCodec_JSON(b *testing.B) { benchCodec(b, event.CodecJSON) }

// BenchmarkCodec_CBOR round-trips an event through deterministic CBOR.
func BenchmarkCodec_CBOR(b *testing.B) { benchCodec(b, event.CodecCBOR) }

// BenchmarkMatchAny matches a type against a subscription's patterns.
func BenchmarkMatchAny(b *testing.B) {
	patterns := []string{"tasks.*.validated", "entities.update.*", "*.*.validated"}
	for i := 0; i < b.N; i++ {
		_ = event.MatchAny(patterns, "entities.create.validated")
	}
}

// BenchmarkSchemaValidate validates a payload against a compiled schema.
func BenchmarkSchemaValidate(b *testing.B) {
	schemas := event.NewSchemas()
	schemas.MustRegister("entities", event.AnyAction,
		`{"type": "object", "required": ["title"], "properties": {"title": {"type": "string"}}}`)
	typ, err := event.ParseType("entities.create.requested")
	if err != nil {
		b.Fatal(err)
	}
	data := map[string]any{"title": "x", "content": "y"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := schemas.Validate(typ, data); err != nil {
			b.Fatal(err)
		}
	}
}
