package sendlog

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeBackoffBounds(t *testing.T) {
	rand.Seed(1)

	d0 := computeBackoff(0)
	require.GreaterOrEqual(t, d0, 1*time.Second)
	require.LessOrEqual(t, d0, 3*time.Second)

	d10 := computeBackoff(10)
	require.GreaterOrEqual(t, d10, 800*time.Second)
	require.LessOrEqual(t, d10, 1000*time.Second)

	d20 := computeBackoff(20)
	require.GreaterOrEqual(t, d20, 800*time.Second)
	require.LessOrEqual(t, d20, 1000*time.Second)
}
