package main

import (
	"context"
	"testing"

	"github.com/raskyld/minimux/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
// greet someone
function greet(name) {
	return   "hello " +	name
}
`

func TestSqueezer(t *testing.T) {
	tests := []struct {
		name     string
		settings SqueezeSettings
		want     string
	}{
		{
			name: "defaults",
			want: `function greet(name) { return "hello " + name }`,
		},
		{
			name:     "keep comments",
			settings: SqueezeSettings{KeepComments: true},
			want:     `// greet someone function greet(name) { return "hello " + name }`,
		},
		{
			name:     "keep newlines",
			settings: SqueezeSettings{KeepNewlines: true},
			want:     "function greet(name) {\nreturn \"hello \" + name\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := newSqueezer(tt.settings)
			require.NoError(t, err)

			out, err := h.Minify(context.Background(), wire.Request{Hash: "h", Code: sample})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Code)
			assert.Nil(t, out.Map)
		})
	}
}

func TestSqueezerSourceMap(t *testing.T) {
	h, err := newSqueezer(SqueezeSettings{})
	require.NoError(t, err)

	out, err := h.Minify(context.Background(), wire.Request{Hash: "h", Code: "a", NameForMap: "a.js"})
	require.NoError(t, err)
	assert.Equal(t, "a.js", out.Map["file"])
	assert.Equal(t, []interface{}{"a.js"}, out.Map["sources"])
}

func TestSqueezerConfigHash(t *testing.T) {
	a, err := newSqueezer(SqueezeSettings{})
	require.NoError(t, err)
	again, err := newSqueezer(SqueezeSettings{})
	require.NoError(t, err)
	b, err := newSqueezer(SqueezeSettings{KeepComments: true})
	require.NoError(t, err)

	assert.Len(t, a.ConfigHash(), 64)
	assert.Equal(t, a.ConfigHash(), again.ConfigHash())
	assert.NotEqual(t, a.ConfigHash(), b.ConfigHash())
}

func TestSqueezerCancelled(t *testing.T) {
	h, err := newSqueezer(SqueezeSettings{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Minify(ctx, wire.Request{Hash: "h", Code: sample})
	assert.ErrorIs(t, err, context.Canceled)
}
