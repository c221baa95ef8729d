package fault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeString(t *testing.T) {
	require.Equal(t, "breakpoint", Breakpoint.String())
	require.Equal(t, "single step", SingleStep.String())
	require.Equal(t, "exception 0xC0000005", Code(0xC0000005).String())
}
