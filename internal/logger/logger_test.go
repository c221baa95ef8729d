package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSrc = "test src"

func TestParse(t *testing.T) {
	for _, testdata := range []struct {
		name  string
		level Level
	}{
		{"debug", Debug},
		{"info", Info},
		{"warning", Warning},
		{"error", Error},
		{"fatal", Fatal},
		{"off", Off},
	} {
		t.Run(testdata.name, func(t *testing.T) {
			l, err := Parse(testdata.name)
			require.NoError(t, err)
			require.Equal(t, testdata.level, l)
		})
	}

	t.Run("invalid level", func(t *testing.T) {
		l, err := Parse("invalid level")
		require.Error(t, err)
		require.Equal(t, Debug, l)
	})
}

func TestPrefix(t *testing.T) {
	now := time.Now()
	for lv := Level(0); lv < Off; lv++ {
		p := Prefix(now, lv, testSrc).String()
		require.True(t, strings.HasSuffix(p, "] <"+testSrc+"> "), p)
	}
	p := Prefix(now, Level(153), testSrc).String()
	require.Contains(t, p, "[unknown]")
}

func TestWriterLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	lg := New(buf)

	lg.Printf(Info, testSrc, "test format %s %d", "a", 1)
	lg.Print(Warning, testSrc, "test print")
	lg.Println(Error, testSrc, "test println")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "[info] <test src> test format a 1")
	require.Contains(t, lines[1], "[warning] <test src> test print")
	require.Contains(t, lines[2], "[error] <test src> test println")
}

func TestLeveled(t *testing.T) {
	buf := new(bytes.Buffer)
	lg := NewLeveled(Warning, New(buf))

	lg.Printf(Debug, testSrc, "dropped")
	lg.Print(Info, testSrc, "dropped")
	require.Zero(t, buf.Len())

	lg.Println(Warning, testSrc, "kept")
	require.Contains(t, buf.String(), "kept")
}

func TestDiscard(t *testing.T) {
	Discard.Printf(Debug, testSrc, "%s", "x")
	Discard.Print(Debug, testSrc, "x")
	Discard.Println(Debug, testSrc, "x")
}
