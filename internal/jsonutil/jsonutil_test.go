package jsonutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarshalMapSorted(t *testing.T) {
	formatter.DisabledColor = true
	b, err := MarshalMap(map[string]int64{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, "a: 1\nb: 2\n", string(b))
}

func TestMarshalCompactPretty(t *testing.T) {
	formatter.DisabledColor = true
	b, err := MarshalCompactPretty(struct {
		Name  string
		Count int
	}{"x", 3})
	require.NoError(t, err)
	require.Equal(t, "Count: 3\nName: \"x\"\n", string(b))
}

func TestMarshalCompactPrettyNested(t *testing.T) {
	formatter.DisabledColor = true
	type db struct {
		NumKeys int
	}
	b, err := MarshalCompactPretty(struct {
		StartedAt time.Time
		DB        db
		hidden    int
	}{time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), db{7}, 1})
	require.NoError(t, err)
	require.Equal(t, "DB.NumKeys: 7\nStartedAt: \"2020-01-02T03:04:05Z\"\n", string(b))
}
