package tcp

// FourTuple identifies a connection: the remote endpoint ("src", as observed
// on an inbound segment) and the local endpoint ("dst"). Equality and
// hashing (it is comparable, so it is usable as a Go map key directly) are
// componentwise.
type FourTuple struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}
