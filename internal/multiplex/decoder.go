package multiplex

// frameDecoder accepts arbitrarily chopped byte chunks and reassembles the
// frame stream. Between calls it holds at most one partial frame in its
// accumulator.
type frameDecoder struct {
	acc byteList

	// parsed header waiting for its payload to arrive in full
	pending    bool
	id         uint64
	typ        uint8
	payloadOff int
	payloadLen int
}

// Write appends chunk to the accumulator and returns every frame that is now
// complete, in wire order. The chunk is retained by reference until its bytes
// have been consumed, so the caller must hand over ownership. Payloads of the
// returned frames alias the accumulator's chunks; they stay valid after the
// accumulator moves on, but whoever holds them must not write to them.
//
// A non-nil error is a protocol violation and permanently poisons the
// decoder; short input is not an error.
func (d *frameDecoder) Write(chunk []byte) ([]*Frame, error) {
	d.acc.Append(chunk)
	var out []*Frame
	for {
		if !d.pending {
			word, n, err := readUvarint(&d.acc, 0)
			if err == errVarintShort {
				return out, nil
			}
			if err != nil {
				return out, err
			}
			length, m, err := readUvarint(&d.acc, n)
			if err == errVarintShort {
				return out, nil
			}
			if err != nil {
				return out, err
			}
			t := uint8(word & 0x7)
			if t > typeResetInitiator {
				return out, ErrInvalidFrameType
			}
			d.id = word >> 3
			d.typ = t
			d.payloadOff = n + m
			d.payloadLen = int(length)
			d.pending = true
		}

		if d.acc.Len()-d.payloadOff < d.payloadLen {
			return out, nil
		}

		f := &Frame{ID: d.id, Type: d.typ}
		if dataBearing(d.typ) {
			f.Data = d.acc.Sublist(d.payloadOff, d.payloadOff+d.payloadLen)
		}
		d.acc.Consume(d.payloadOff + d.payloadLen)
		d.pending = false
		out = append(out, f)
	}
}
