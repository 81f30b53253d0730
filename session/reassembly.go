package session

// reassembler accumulates inbound chunks into one completed object buffer.
// At most one inbound transfer is in progress at a time; the buffer exists
// only between the first chunk and completion, violation, or session exit.
type reassembler struct {
	maxObjectSize int

	active   bool
	discard  bool
	buffer   []byte
	total    int
	received int
}

func newReassembler(maxObjectSize int) reassembler {
	return reassembler{maxObjectSize: maxObjectSize}
}

// consume feeds one decoded chunk into the transfer. It returns the completed
// object once the final chunk lands, or an error classifying the failure:
// ErrChunkOutOfOrder and ErrChunkOverflow are protocol violations the caller
// must answer with a local reset, ErrMissingTerminator means the completed
// object was dropped and the session may continue.
func (r *reassembler) consume(header ChunkHeader, body []byte) ([]byte, error) {
	if header.IsFirst {
		// A first chunk mid-transfer means the peer lost sync.
		if r.active {
			return nil, ErrChunkOutOfOrder
		}
		total := int(header.Value)
		if total < 1 {
			return nil, ErrMalformedChunk
		}

		r.active = true
		r.total = total
		r.received = 0
		if total > r.maxObjectSize {
			// A local resource limit, not a protocol violation: swallow the
			// whole transfer without resetting the session.
			r.discard = true
		} else {
			r.buffer = make([]byte, 0, total)
		}
	} else {
		if !r.active {
			return nil, ErrChunkOutOfOrder
		}
		if int(header.Value) != r.received {
			return nil, ErrChunkOutOfOrder
		}
	}

	if r.received+len(body) > r.total {
		return nil, ErrChunkOverflow
	}

	if !r.discard {
		r.buffer = append(r.buffer, body...)
	}
	r.received += len(body)

	if r.received < r.total {
		return nil, nil
	}

	dropped := r.discard
	object := r.buffer
	r.reset()

	if dropped {
		return nil, nil
	}
	if object[len(object)-1] != Terminator {
		return nil, ErrMissingTerminator
	}
	return object, nil
}

func (r *reassembler) inProgress() bool {
	return r.active
}

func (r *reassembler) reset() {
	r.active = false
	r.discard = false
	r.buffer = nil
	r.total = 0
	r.received = 0
}
