//go:build linux

package rawio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveAddrTCP(t *testing.T) {
	ra, err := ResolveAddr("tcp", "127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, "tcp", ra.Network)
	require.Equal(t, unix.AF_INET, ra.Family())

	sa, err := ra.Sockaddr()
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	require.Equal(t, 9000, in4.Port)
}

func TestResolveAddrUnix(t *testing.T) {
	ra, err := ResolveAddr("unix", "/tmp/asyncsock-test.sock")
	require.NoError(t, err)
	require.Equal(t, unix.AF_UNIX, ra.Family())

	sa, err := ra.Sockaddr()
	require.NoError(t, err)
	su, ok := sa.(*unix.SockaddrUnix)
	require.True(t, ok)
	require.Equal(t, "/tmp/asyncsock-test.sock", su.Name)
}

func TestResolveAddrRejectsUnknownNetwork(t *testing.T) {
	_, err := ResolveAddr("udp", "127.0.0.1:9000")
	require.Error(t, err)
}

func TestSendmsgFlagsCombinations(t *testing.T) {
	base := unix.MSG_NOSIGNAL | unix.MSG_DONTWAIT
	require.Equal(t, base, SendmsgFlags(false, false))
	require.Equal(t, base|unix.MSG_MORE, SendmsgFlags(true, false))
	require.Equal(t, base|unix.MSG_EOR, SendmsgFlags(false, true))
	require.Equal(t, base|unix.MSG_MORE|unix.MSG_EOR, SendmsgFlags(true, true))
}

func TestBindLocalNoopWithoutBindAddr(t *testing.T) {
	ra, err := ResolveAddr("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, BindLocal(-1, "", ra))
}
