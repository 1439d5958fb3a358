package hypervisor

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImageSizeIsPowerOfTwoAboveFloor(t *testing.T) {
	cases := []uint64{0, 1, 100, 1024, 1024 * 1024, 5 * 1024 * 1024, 100 * 1024 * 1024}
	for _, payload := range cases {
		size := imageSize(payload)
		require.Equal(t, 1, bits.OnesCount64(size), "size %d for payload %d is not a power of two", size, payload)
		require.GreaterOrEqual(t, size, minImageBytes)
		require.GreaterOrEqual(t, size, payload+imgOverheadBytes)
	}
}

func TestImageSizeMonotonic(t *testing.T) {
	require.LessOrEqual(t, imageSize(10), imageSize(10_000_000))
}

func TestRenderLauncherNeverEmbedsDirectoryContents(t *testing.T) {
	script := renderLauncher("/data", "/keystore", map[string]string{"FOO": "bar"}, []string{"--flag"})
	require.Contains(t, script, "mount -t virtiofs")
	require.Contains(t, script, "export FOO=\"bar\"")
	require.Contains(t, script, "--flag")
}
