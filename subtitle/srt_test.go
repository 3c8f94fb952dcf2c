package subtitle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "\ufeff1\r\n00:00:01,000 --> 00:00:02,500\r\nこんにちは\r\n\r\n" +
	"2\n00:01:02,05 --> 00:01:03,000\nline one\nline two\n\n\n" +
	"garbage block\n\n" +
	"00:00:05.000 --> 00:00:06.000\nno index\n"

func TestParse(t *testing.T) {
	cues, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, cues, 3)

	assert.Equal(t, 1, cues[0].Index)
	assert.Equal(t, time.Second, cues[0].Start)
	assert.Equal(t, 2500*time.Millisecond, cues[0].End)
	assert.Equal(t, "こんにちは", cues[0].Text)

	assert.Equal(t, time.Minute+2*time.Second+50*time.Millisecond, cues[1].Start)
	assert.Equal(t, "line one\nline two", cues[1].Text)

	assert.Equal(t, 3, cues[2].Index, "missing index falls back to position")
	assert.Equal(t, "no index", cues[2].Text)
}

func TestFormat(t *testing.T) {
	cues := []Cue{
		{Index: 1, Start: 0, End: 1500 * time.Millisecond, Text: "a"},
		{Index: 2, Start: time.Hour + 2*time.Minute, End: time.Hour + 2*time.Minute + 3*time.Second, Text: "b\nc"},
	}
	want := "1\n00:00:00,000 --> 00:00:01,500\na\n\n2\n01:02:00,000 --> 01:02:03,000\nb\nc\n\n"
	assert.Equal(t, want, Format(cues))

	back, err := Parse(strings.NewReader(Format(cues)))
	require.NoError(t, err)
	assert.Equal(t, cues, back)
}

func TestBatch(t *testing.T) {
	cues := make([]Cue, 120)
	batches := Batch(cues, 50)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 50)
	assert.Len(t, batches[2], 20)

	assert.Empty(t, Batch(nil, 50))
	assert.Len(t, Batch(cues[:3], 0), 3)
}
