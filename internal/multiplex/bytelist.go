package multiplex

import "fmt"

// byteList is an append-only rope of byte chunks. Appending takes ownership
// of the chunk by reference and never copies; Sublist returns a view sharing
// the underlying chunks. The decoder uses one to accumulate partial frames
// and streams use one to stage outbound writes for fragmentation.
type byteList struct {
	chunks [][]byte
	length int
}

func makeByteList(chunks ...[]byte) *byteList {
	bl := &byteList{}
	for _, c := range chunks {
		bl.Append(c)
	}
	return bl
}

// Append adds chunk to the end of the list. The chunk is referenced, not
// copied, so the caller must not modify it afterwards.
func (bl *byteList) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	bl.chunks = append(bl.chunks, chunk)
	bl.length += len(chunk)
}

func (bl *byteList) Len() int { return bl.length }

// At returns the byte at index i. It walks the chunk list, which is fine for
// the small offsets the frame decoder reads headers at.
func (bl *byteList) At(i int) byte {
	if i < 0 || i >= bl.length {
		panic(fmt.Sprintf("byteList: index %v out of range %v", i, bl.length))
	}
	for _, c := range bl.chunks {
		if i < len(c) {
			return c[i]
		}
		i -= len(c)
	}
	panic("unreachable")
}

// Sublist returns a new byteList covering bytes [start, end) of bl. The
// underlying chunk memory is shared; no bytes are copied. The view remains
// valid even if bl is subsequently consumed, because Consume only narrows
// bl's own slice headers.
func (bl *byteList) Sublist(start, end int) *byteList {
	if start < 0 || end > bl.length || start > end {
		panic(fmt.Sprintf("byteList: sublist [%v, %v) out of range %v", start, end, bl.length))
	}
	out := &byteList{}
	n := end - start
	for _, c := range bl.chunks {
		if n == 0 {
			break
		}
		if start >= len(c) {
			start -= len(c)
			continue
		}
		take := len(c) - start
		if take > n {
			take = n
		}
		out.Append(c[start : start+take])
		start = 0
		n -= take
	}
	return out
}

// Consume drops the first n bytes, discarding whole chunks where possible and
// re-slicing the first surviving one.
func (bl *byteList) Consume(n int) {
	if n > bl.length {
		panic(fmt.Sprintf("byteList: consuming %v of %v bytes", n, bl.length))
	}
	bl.length -= n
	for n > 0 {
		c := bl.chunks[0]
		if n < len(c) {
			bl.chunks[0] = c[n:]
			return
		}
		n -= len(c)
		bl.chunks = bl.chunks[1:]
	}
	if len(bl.chunks) == 0 {
		// don't pin the backing array of a fully drained list
		bl.chunks = nil
	}
}

// Chunks exposes the underlying chunk slices in order. Callers treat them as
// read-only.
func (bl *byteList) Chunks() [][]byte { return bl.chunks }

// Bytes flattens the list into a single freshly allocated slice.
func (bl *byteList) Bytes() []byte {
	out := make([]byte, 0, bl.length)
	for _, c := range bl.chunks {
		out = append(out, c...)
	}
	return out
}
