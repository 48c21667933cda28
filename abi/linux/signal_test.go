package linux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignalSet(t *testing.T) {
	s := SignalSetOf(SIGTERM, SIGHUP)

	require.True(t, s.Has(SIGTERM))
	require.False(t, s.Has(SIGINT))
	require.Equal(t, SIGHUP, s.Lowest())

	s = s.Del(SIGHUP)
	require.Equal(t, SIGTERM, s.Lowest())
	require.Equal(t, Signal(0), SignalSet(0).Lowest())
}

func TestSignalClasses(t *testing.T) {
	require.True(t, SIGTSTP.Stop())
	require.False(t, SIGCONT.Stop())
	require.True(t, SIGWINCH.DefaultIgnored())
	require.Equal(t, 139, SIGSEGV.ExitCode())
	require.Equal(t, 15, SIGTERM.ExitCode())
	require.Equal(t, "SIGSTOP", SIGSTOP.String())
	require.Equal(t, 36, SiginfoSize)
}
