package clusterserver

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestNodeMeta_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		meta NodeMeta
	}{
		{"ipv4", NodeMeta{Version: NodeMetaVersion, DPSAddr: netip.MustParseAddrPort("192.0.2.10:5000")}},
		{"ipv6", NodeMeta{Version: NodeMetaVersion, DPSAddr: netip.MustParseAddrPort("[2001:db8::1]:5000")}},
		{"no address", NodeMeta{Version: NodeMetaVersion}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalNodeMeta(tt.meta.Marshal())
			require.NoError(t, err)
			assert.Equal(t, tt.meta, got)
		})
	}
}

func TestNodeMeta_SkipsUnknownFields(t *testing.T) {
	b := NodeMeta{Version: 2, DPSAddr: netip.MustParseAddrPort("192.0.2.10:5000")}.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from a newer build")

	got, err := UnmarshalNodeMeta(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Version)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.10:5000"), got.DPSAddr)
}

func TestNodeMeta_Invalid(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		b := NodeMeta{DPSAddr: netip.MustParseAddrPort("192.0.2.10:5000")}.Marshal()
		_, err := UnmarshalNodeMeta(b[:len(b)-3])
		require.ErrorIs(t, err, ErrInvalidNodeMeta)
	})

	t.Run("bad address length", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, metaFieldDPSAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{1, 2, 3})
		_, err := UnmarshalNodeMeta(b)
		require.ErrorIs(t, err, ErrInvalidNodeMeta)
	})

	t.Run("port out of range", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, metaFieldDPSAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{192, 0, 2, 1})
		b = protowire.AppendTag(b, metaFieldDPSPort, protowire.VarintType)
		b = protowire.AppendVarint(b, 70000)
		_, err := UnmarshalNodeMeta(b)
		require.ErrorIs(t, err, ErrInvalidNodeMeta)
	})
}

func TestNewNodeID(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^dps-[0-9a-z]{26}$`, a)
}
