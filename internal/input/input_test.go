package input

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, s Source) []Record {
	t.Helper()
	var out []Record
	for {
		record, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, record)
	}
}

func TestCSVSource(t *testing.T) {
	src := NewCSVSource(io.NopCloser(strings.NewReader("x,y,label\n1,2,A\n3,,B\n")))
	records := readAll(t, src)

	require.Len(t, records, 2)
	assert.Equal(t, Record{"x": "1", "y": "2", "label": "A"}, records[0])

	// Blank cells are absent, not empty strings.
	assert.Equal(t, Record{"x": "3", "label": "B"}, records[1])
	_, present := records[1]["y"]
	assert.False(t, present)
}

func TestCSVSourceRaggedRows(t *testing.T) {
	src := NewCSVSource(io.NopCloser(strings.NewReader("a,b\n1\n")))
	records := readAll(t, src)
	require.Len(t, records, 1)
	assert.Equal(t, Record{"a": "1"}, records[0])
}

func TestJSONSource(t *testing.T) {
	lines := `{"x": 1.5, "tag": "a"}

{"x": 2, "nested": {"deep": true}}
`
	src := NewJSONSource(io.NopCloser(strings.NewReader(lines)))
	records := readAll(t, src)

	require.Len(t, records, 2)
	assert.Equal(t, 1.5, records[0]["x"])
	assert.Equal(t, "a", records[0]["tag"])

	// Nested objects flatten to dotted keys.
	assert.Equal(t, true, records[1]["nested.deep"])
}

func TestJSONSourceRejectsBadLine(t *testing.T) {
	src := NewJSONSource(io.NopCloser(strings.NewReader("{broken\n")))
	_, err := src.Next(context.Background())
	require.Error(t, err)
}

func TestXMLSource(t *testing.T) {
	stream := `<Events>
  <Event id="1"><x>0.5</x><label>A</label></Event>
  <Event id="2"><x>1.5</x></Event>
</Events>`
	src := NewXMLSource(io.NopCloser(strings.NewReader(stream)), "Event")
	records := readAll(t, src)

	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0]["id"])
	assert.Equal(t, "0.5", records[0]["x"])
	assert.Equal(t, "A", records[0]["label"])
	assert.Equal(t, "1.5", records[1]["x"])
}

func TestOpenFormats(t *testing.T) {
	for _, format := range []string{"CSV", "csv", "JSON", "XML"} {
		src, err := Open(format, io.NopCloser(strings.NewReader("")))
		require.NoError(t, err, format)
		require.NotNil(t, src)
	}

	_, err := Open("NAB", io.NopCloser(strings.NewReader("")))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewCSVSource(io.NopCloser(strings.NewReader("a\n1\n")))
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
