package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			name: "bare object",
			text: `{"color": "red", "type": "sedan"}`,
			want: map[string]any{"color": "red", "type": "sedan"},
		},
		{
			name: "surrounding whitespace",
			text: "\n  {\"color\": \"red\"}  \n",
			want: map[string]any{"color": "red"},
		},
		{
			name: "fenced json block",
			text: "Here you go:\n```json\n{\"color\": \"blue\"}\n```\nDone.",
			want: map[string]any{"color": "blue"},
		},
		{
			name: "fenced block without language",
			text: "```\n{\"color\": \"grey\"}\n```",
			want: map[string]any{"color": "grey"},
		},
		{
			name: "object inside prose",
			text: `The vehicle is {"color": "white", "plate_visible": false} as far as I can tell.`,
			want: map[string]any{"color": "white", "plate_visible": false},
		},
		{
			name: "braces inside strings",
			text: `Answer: {"carrying": "bag with {logo}", "head_covering": "none"}`,
			want: map[string]any{"carrying": "bag with {logo}", "head_covering": "none"},
		},
		{
			name: "first span is broken, second parses",
			text: `{not json} then {"color": "black"}`,
			want: map[string]any{"color": "black"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseObject(tt.text)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseObjectFailures(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"I cannot see a vehicle in this image.",
		`{"color": "red"`,
		`["red", "sedan"]`,
		"null",
	} {
		_, ok := ParseObject(text)
		assert.False(t, ok, text)
	}
}

func TestMatchBrace(t *testing.T) {
	assert.Equal(t, 8, matchBrace(`{"a":{1}}`, 0))
	assert.Equal(t, -1, matchBrace(`{"a":"}"`, 0))
	assert.Equal(t, 10, matchBrace(`{"a":"\"}"}`, 0))
}
