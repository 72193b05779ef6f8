package overflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

func TestStoresAreFIFO(t *testing.T) {
	for _, kind := range []Kind{KindJournal, KindBolt} {
		t.Run(string(kind), func(t *testing.T) {
			store, err := Open(kind, filepath.Join(t.TempDir(), "overflow", "store"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			var seqs []uint64
			for _, body := range []string{"a", "b", "c"} {
				seq, err := store.Append(model.Event{Body: []byte(body)})
				require.NoError(t, err)
				seqs = append(seqs, seq)
			}
			assert.Equal(t, 3, store.Len())

			got, err := store.Read(1, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "b", string(got[0].Event.Body))
			assert.Equal(t, seqs[1], got[0].Seq)

			require.NoError(t, store.Commit(seqs[1]))
			assert.Equal(t, 1, store.Len())

			got, err = store.Read(0, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "c", string(got[0].Event.Body))
		})
	}
}

func TestBoltReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	_, err = s.Append(model.Event{Body: []byte("x"), Headers: map[string]string{"event-id": "1"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, s.Len())
	got, err := s.Read(0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].Event.Headers["event-id"])
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindNone, k)

	k, err = ParseKind("BOLT")
	require.NoError(t, err)
	assert.Equal(t, KindBolt, k)

	_, err = ParseKind("redis")
	assert.Error(t, err)

	store, err := Open(KindNone, "")
	require.NoError(t, err)
	assert.Nil(t, store)
}
