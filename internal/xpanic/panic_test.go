package xpanic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrint(t *testing.T) {
	var text string
	func() {
		defer func() {
			if r := recover(); r != nil {
				text = Print(r, "handler").String()
			}
		}()
		panic("boom")
	}()
	require.Contains(t, text, "handler:\nboom\n")
	require.Contains(t, text, "TestPrint")
}

func TestError(t *testing.T) {
	err := Error("boom", "dispatch")
	require.Error(t, err)
	require.Contains(t, err.Error(), "dispatch:")
}
