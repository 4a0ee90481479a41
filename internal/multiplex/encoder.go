package multiplex

import "net"

const (
	// headers are carved out of a shared block so that each frame doesn't
	// cost its own small allocation
	headerBlockSize = 10 * 1024
	// when less than this remains in the block, start a fresh one. Two max
	// length varints can never exceed it, so a header never has to split
	headerBlockMin = 100
)

// frameEncoder serialises frames into ordered chunk lists. It is owned by a
// single multiplexer and called only under its write lock.
type frameEncoder struct {
	block []byte
	off   int
}

// Encode returns the wire form of f as a list of byte chunks: a header chunk
// followed, for data-bearing types, by the payload chunks passed through by
// reference. The concatenation of the chunks is the encoding; nothing is
// copied out of f.Data. The returned net.Buffers can be handed straight to
// the transport, which uses writev where the platform supports it.
func (e *frameEncoder) Encode(f *Frame) net.Buffers {
	if len(e.block)-e.off < headerBlockMin {
		e.block = make([]byte, headerBlockSize)
		e.off = 0
	}

	hdr := e.block[e.off:e.off]
	hdr = appendUvarint(hdr, f.ID<<3|uint64(f.Type))
	hdr = appendUvarint(hdr, uint64(f.payloadLen()))
	e.off += len(hdr)

	bufs := net.Buffers{hdr}
	if f.Data != nil {
		bufs = append(bufs, f.Data.Chunks()...)
	}
	return bufs
}
