package archive

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpack(t *testing.T) {
	entries := []Entry{
		{Name: "summary.txt", Data: []byte("iterations: 3\n")},
		{Name: "results/summary.json", Data: []byte(`{"passed":3}`)},
		{Name: "empty.log"},
	}
	bundle, err := Pack(entries, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Len(t, bundle.SHA256, 64)

	got, err := Unpack(bytes.NewReader(bundle.Data))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "results/summary.json", got[1].Name)
	assert.Equal(t, `{"passed":3}`, string(got[1].Data))
	assert.Empty(t, got[2].Data)
}

func TestPackRejectsEscapingNames(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "/abs", ""} {
		_, err := Pack([]Entry{{Name: name}}, time.Now())
		assert.Error(t, err, name)
	}
}
