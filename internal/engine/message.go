package engine

// MsgKind tells what a Message reports.
type MsgKind int

const (
	// MsgNone is an in-progress notification; the transfer has not finished.
	MsgNone MsgKind = iota
	// MsgDone reports that the transfer finished with Result.
	MsgDone
)

func (k MsgKind) String() string {
	if k == MsgDone {
		return "done"
	}
	return "none"
}

// Message is one entry from Multi.InfoRead.
type Message struct {
	Kind   MsgKind
	Easy   *Easy
	Result Code
}
