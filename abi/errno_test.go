package abi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFromError(t *testing.T) {
	require.Equal(t, Errno(0), FromError(nil))
	require.Equal(t, ENOENT, FromError(ENOENT))
	require.Equal(t, EACCES, FromError(errors.Wrapf(EACCES, "opening %s", "/x")))
	require.Equal(t, EIO, FromError(errors.New("boom")))
	require.Equal(t, int32(-9), EBADF.Ret())
	require.Equal(t, "no such file or directory", ENOENT.Error())
	require.Equal(t, "errno 99", Errno(99).Error())
}
