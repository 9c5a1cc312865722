//go:build property

package watcher

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type rawEvent struct {
	File int
	Kind int
}

func toEvents(raw []rawEvent) []ChangeEvent {
	events := make([]ChangeEvent, len(raw))
	for i, r := range raw {
		events[i] = ChangeEvent{Type: EventType(r.Kind), Path: fmt.Sprintf("/src/f%d.js", r.File)}
	}
	return events
}

// TestCoalesceProperties validates the debouncer's batching invariants.
func TestCoalesceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	genRaw := gen.SliceOf(gen.Struct(reflect.TypeOf(rawEvent{}), map[string]gopter.Gen{
		"File": gen.IntRange(0, 5),
		"Kind": gen.IntRange(0, 2),
	}))

	properties.Property("one event per path, sorted", prop.ForAll(
		func(raw []rawEvent) bool {
			out := Coalesce(toEvents(raw))
			for i := 1; i < len(out); i++ {
				if out[i-1].Path >= out[i].Path {
					return false
				}
			}
			return true
		},
		genRaw,
	))

	properties.Property("every reported path was touched", prop.ForAll(
		func(raw []rawEvent) bool {
			touched := map[string]bool{}
			for _, e := range toEvents(raw) {
				touched[e.Path] = true
			}
			for _, e := range Coalesce(toEvents(raw)) {
				if !touched[e.Path] {
					return false
				}
			}
			return true
		},
		genRaw,
	))

	properties.Property("coalescing is idempotent", prop.ForAll(
		func(raw []rawEvent) bool {
			once := Coalesce(toEvents(raw))
			return reflect.DeepEqual(once, Coalesce(once))
		},
		genRaw,
	))

	properties.TestingRun(t)
}
