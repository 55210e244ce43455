package command

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FuzzParseContext checks that any string ParseContext accepts serializes
// back to the same text.
func FuzzParseContext(f *testing.F) {
	f.Add("")
	f.Add(" ")
	f.Add("w1 f1")
	f.Add("w1 ")
	f.Add(" f1")
	f.Add("w1")
	f.Add("w1 f1 extra")
	f.Add("CDwindow-8F2A top\x00")

	f.Fuzz(func(t *testing.T, s string) {
		ctx, err := ParseContext(s)
		if err != nil {
			return
		}
		if s == "" {
			assert.Equal(t, Context{}, ctx)
			return
		}
		assert.Equal(t, s, ctx.String())
	})
}

// FuzzContextRoundTrip fills a Context from fuzzed data and checks that
// String and ParseContext invert each other.
func FuzzContextRoundTrip(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		var ctx Context
		if err := fuzz.NewConsumer(data).GenerateStruct(&ctx); err != nil {
			return
		}
		got, err := ParseContext(ctx.String())
		// An id holding the separator cannot round-trip.
		if strings.Contains(ctx.WindowID, " ") || strings.Contains(ctx.FrameID, " ") {
			assert.Error(t, err)
			return
		}
		require.NoError(t, err)
		assert.Equal(t, ctx, got)
	})
}
