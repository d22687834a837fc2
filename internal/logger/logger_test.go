package logger

import (
	"testing"

	"github.com/cenkalti/log"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, log.DEBUG, l)

	l, err = ParseLevel("error")
	require.NoError(t, err)
	require.Equal(t, log.ERROR, l)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestSetLevels(t *testing.T) {
	defer func() { require.NoError(t, SetLevels("info")) }()

	require.NoError(t, SetLevels("warning, rpc server=error, rpc=notice"))
	require.Equal(t, log.ERROR, componentLevel("rpc server 0.0.0.0:49001"))
	require.Equal(t, log.NOTICE, componentLevel("rpc manager"))
	require.Equal(t, log.DEBUG, componentLevel("dht ipv4"))

	require.Error(t, SetLevels("info,dht=loud"))
	require.Error(t, SetLevels("=debug"))
	require.Error(t, SetLevels("loud"))
}
