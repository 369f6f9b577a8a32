package encoding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_DeterministicMaps(t *testing.T) {
	row := map[string]interface{}{
		"uuid":   "a-1",
		"amount": 42,
		"note":   "hello",
		"zeta":   true,
	}

	first, err := Marshal(row)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := Marshal(row)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"id": "row-1"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	_, isString := out["id"].(string)
	assert.True(t, isString, "expected string, got %T", out["id"])
}

type checkpointLike struct {
	Timestamp time.Time `msgpack:"ts"`
	Name      string    `msgpack:"name"`
}

func TestRoundTrip_Struct(t *testing.T) {
	in := checkpointLike{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC),
		Name:      "orders",
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out checkpointLike
	require.NoError(t, Unmarshal(data, &out))
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Name, out.Name)
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				in := map[string]interface{}{"g": int64(id), "i": int64(j)}
				data, err := Marshal(in)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out map[string]interface{}
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
				if out["i"] != int64(j) {
					t.Errorf("expected %d, got %v", j, out["i"])
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMarshal(b *testing.B) {
	row := map[string]interface{}{"uuid": "a-1", "amount": 42, "note": "hello"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Marshal(row)
	}
}
