//go:build !windows
// +build !windows

package fault

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestVectoredUnavailable(t *testing.T) {
	cancel, err := NewVectored().Subscribe(func(Code, Context) bool { return true })
	require.Nil(t, cancel)
	require.Equal(t, ErrUnavailable, errors.Cause(err))
}
