package classify

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_IPv4Private(t *testing.T) {
	for _, s := range []string{"192.168.1.1", "10.0.0.1", "172.16.0.1", "172.31.255.255"} {
		assert.Equal(t, Local, Classify(netip.MustParseAddr(s)), s)
	}
}

func TestClassify_IPv4Loopback(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("127.0.0.1")))
	assert.Equal(t, Local, Classify(netip.MustParseAddr("127.255.255.255")))
}

func TestClassify_IPv4LinkLocal(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("169.254.1.1")))
}

func TestClassify_IPv4Broadcast(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("255.255.255.255")))
}

func TestClassify_IPv4Documentation(t *testing.T) {
	for _, s := range []string{"192.0.2.1", "198.51.100.1", "203.0.113.1"} {
		assert.Equal(t, Local, Classify(netip.MustParseAddr(s)), s)
	}
}

func TestClassify_IPv4Internet(t *testing.T) {
	for _, s := range []string{"8.8.8.8", "1.1.1.1", "140.82.112.4"} {
		assert.Equal(t, Internet, Classify(netip.MustParseAddr(s)), s)
	}
}

func TestClassify_IPv6Loopback(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("::1")))
}

func TestClassify_IPv6LinkLocal(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("fe80::1")))
	assert.Equal(t, Local, Classify(netip.MustParseAddr("fe80::1cd4:a0ff:fed4:aa2a")))
}

func TestClassify_IPv6UniqueLocal(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("fc00::1")))
	assert.Equal(t, Local, Classify(netip.MustParseAddr("fd00::1")))
}

func TestClassify_IPv6Internet(t *testing.T) {
	assert.Equal(t, Internet, Classify(netip.MustParseAddr("2001:4860:4860::8888")))
}

func TestClassify_Multicast(t *testing.T) {
	assert.Equal(t, Local, Classify(netip.MustParseAddr("224.0.0.1")))
	assert.Equal(t, Local, Classify(netip.MustParseAddr("ff02::1")))
}

func TestClassify_IPv4MappedIPv6(t *testing.T) {
	mapped := netip.MustParseAddr("::ffff:192.168.1.1")
	assert.Equal(t, Local, Classify(mapped))
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "internet", Internet.String())
	assert.Equal(t, "local", Local.String())
}
