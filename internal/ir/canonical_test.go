package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"b": int64(2),
		"a": "x",
		"c": []any{true, false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"c":[true,false]}`, string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9.
	got, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	got, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))

	// A literal backslash followed by "u2028" text stays escaped.
	got, err = MarshalCanonical(`a\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028"`, string(got))
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"float", 1.5},
		{"nested float", map[string]any{"x": []any{float32(1)}}},
		{"struct", struct{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestLessUTF16(t *testing.T) {
	// U+FF61 sorts before U+1F600 in UTF-16 (surrogates 0xD83D) but after in UTF-8.
	assert.True(t, lessUTF16("\U0001F600", "\uff61"))
	assert.True(t, lessUTF16("a", "ab"))
	assert.False(t, lessUTF16("b", "a"))
}
