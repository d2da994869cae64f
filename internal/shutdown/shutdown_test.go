package shutdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginArmsAndExpires(t *testing.T) {
	c := New()
	require.False(t, c.Armed())

	c.Begin(10 * time.Millisecond)
	require.True(t, c.Armed())
	require.False(t, c.Expired())

	time.Sleep(20 * time.Millisecond)
	require.True(t, c.Expired())

	c.Clear()
	require.False(t, c.Armed())
	require.False(t, c.Expired())
}
