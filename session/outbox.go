package session

import "github.com/emirpasic/gods/lists/doublylinkedlist"

type inFlightKind int

const (
	inFlightNone inFlightKind = iota
	inFlightControl
	inFlightChunk
)

// controlMessage is a queued protocol-management send. Control messages
// always preempt data chunks when both are pending.
type controlMessage struct {
	key     byte
	payload []byte
}

// outgoingObject is one serialized application payload awaiting chunked
// transmission. Only the head object of the queue is actively transmitted;
// its offset rewinds to zero whenever the session leaves the open state so a
// reconnect resends it in full.
type outgoingObject struct {
	data   []byte
	offset int
}

// outbox holds the control-message FIFO, the object FIFO, and the single
// in-flight send slot.
type outbox struct {
	controls *doublylinkedlist.List
	objects  *doublylinkedlist.List

	inFlight inFlightKind
	// inFlightBody is the number of object bytes carried by the in-flight
	// chunk, applied to the head object's offset on a successful send.
	inFlightBody int
	failures     int
	// lastFailed is the queued message (*controlMessage or *outgoingObject)
	// the failure count belongs to. A different message entering the send
	// slot starts with a fresh attempt budget.
	lastFailed any
}

func newOutbox() outbox {
	return outbox{
		controls: doublylinkedlist.New(),
		objects:  doublylinkedlist.New(),
	}
}

func (o *outbox) pushControl(key byte, payload []byte) {
	o.controls.Append(&controlMessage{key: key, payload: payload})
}

func (o *outbox) pushObject(data []byte) {
	o.objects.Append(&outgoingObject{data: data})
}

func (o *outbox) headControl() *controlMessage {
	value, ok := o.controls.Get(0)
	if !ok {
		return nil
	}
	return value.(*controlMessage)
}

func (o *outbox) headObject() *outgoingObject {
	value, ok := o.objects.Get(0)
	if !ok {
		return nil
	}
	return value.(*outgoingObject)
}

func (o *outbox) popControl() *controlMessage {
	head := o.headControl()
	if head != nil {
		o.controls.Remove(0)
	}
	return head
}

func (o *outbox) popObject() *outgoingObject {
	head := o.headObject()
	if head != nil {
		o.objects.Remove(0)
	}
	return head
}

func (o *outbox) objectCount() int {
	return o.objects.Size()
}

// rewindHeadObject resets transmission progress on the head object so the
// next open session resends it from the start.
func (o *outbox) rewindHeadObject() {
	if head := o.headObject(); head != nil {
		head.offset = 0
	}
}

func (o *outbox) clearControls() {
	o.controls.Clear()
}
