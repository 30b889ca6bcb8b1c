package clusterserver

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// NodeMetaVersion is the metadata layout written by this build.
const NodeMetaVersion = 1

const (
	metaFieldVersion protowire.Number = 1
	metaFieldDPSAddr protowire.Number = 2
	metaFieldDPSPort protowire.Number = 3
)

// ErrInvalidNodeMeta is returned for metadata that cannot be decoded.
var ErrInvalidNodeMeta = errors.New("clusterserver: invalid node metadata")

// NodeMeta is gossiped with every member so peers learn where the node
// accepts DPS client traffic.
type NodeMeta struct {
	Version uint32
	DPSAddr netip.AddrPort
}

// Marshal encodes m in protobuf wire format.
func (m NodeMeta) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, metaFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))
	if m.DPSAddr.IsValid() {
		b = protowire.AppendTag(b, metaFieldDPSAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, m.DPSAddr.Addr().AsSlice())
		b = protowire.AppendTag(b, metaFieldDPSPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.DPSAddr.Port()))
	}
	return b
}

// UnmarshalNodeMeta decodes metadata written by Marshal. Unknown fields are
// skipped.
func UnmarshalNodeMeta(b []byte) (NodeMeta, error) {
	var (
		m    NodeMeta
		addr netip.Addr
		port uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NodeMeta{}, fmt.Errorf("%w: %v", ErrInvalidNodeMeta, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == metaFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return NodeMeta{}, fmt.Errorf("%w: %v", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			m.Version = uint32(v)
			b = b[n:]
		case num == metaFieldDPSAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return NodeMeta{}, fmt.Errorf("%w: %v", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			a, ok := netip.AddrFromSlice(v)
			if !ok {
				return NodeMeta{}, fmt.Errorf("%w: address of %d bytes", ErrInvalidNodeMeta, len(v))
			}
			addr = a.Unmap()
			b = b[n:]
		case num == metaFieldDPSPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return NodeMeta{}, fmt.Errorf("%w: %v", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			if v > 0xffff {
				return NodeMeta{}, fmt.Errorf("%w: port %d", ErrInvalidNodeMeta, v)
			}
			port = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return NodeMeta{}, fmt.Errorf("%w: %v", ErrInvalidNodeMeta, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if addr.IsValid() {
		m.DPSAddr = netip.AddrPortFrom(addr, uint16(port))
	}
	return m, nil
}
