package goid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		name   string
		header string
		want   int64
	}{
		{"running", "goroutine 123 [running]:\nmain.main()", 123},
		{"truncated after id", "goroutine 7", 7},
		{"no digits", "goroutine [running]:", 0},
		{"wrong prefix", "thread 12 [running]:", 0},
		{"empty", "", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, parse([]byte(tc.header)))
		})
	}
}

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	self := Current()
	require.Positive(t, self)
	require.Equal(t, self, Current())

	other := make(chan int64, 1)
	go func() { other <- Current() }()
	id := <-other
	require.Positive(t, id)
	require.NotEqual(t, self, id)
}
