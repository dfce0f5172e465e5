package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateULID(t *testing.T) {
	ulid1 := GenerateULID()
	ulid2 := GenerateULID()

	assert.NotEqual(t, ulid1.String(), ulid2.String())
	assert.Len(t, ulid1.String(), 26)
	assert.Equal(t, -1, ulid1.Compare(ulid2), "ULIDs must be increasing")
}

func TestGenerateULIDConcurrent(t *testing.T) {
	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := GenerateULIDString()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestGenerateULIDWithTime(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := GenerateULIDWithTime(at)

	got, err := ULIDTime(id.String())
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "got %s", got)
}

func TestParseULID(t *testing.T) {
	id := GenerateULIDString()
	parsed, err := ParseULID(id)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.String())

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)

	_, err = ULIDTime("bad")
	assert.Error(t, err)
}
