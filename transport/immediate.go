package transport

// Kind distinguishes a buffer (event/L1) write from a transition write.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindTransition
)

// Immediate is the 32-bit (kind, src, idx) triple carried as sideband
// data with every one-sided write: 1 bit kind, 1 bit response/no-response,
// 6 bits src, the rest idx.
type Immediate struct {
	Kind     Kind
	Response bool // false selects the NoResponse variant
	Src      uint8
	Idx      uint32
}

const (
	srcBits = 6
	srcMask = (1 << srcBits) - 1
	idxBits = 32 - 2 - srcBits
	idxMask = (1 << idxBits) - 1
)

// Encode packs an Immediate into the 32-bit wire form.
func Encode(i Immediate) uint32 {
	var v uint32
	if i.Kind == KindTransition {
		v |= 1 << 31
	}
	if i.Response {
		v |= 1 << 30
	}
	v |= uint32(i.Src&srcMask) << idxBits
	v |= i.Idx & idxMask
	return v
}

// Decode unpacks the 32-bit wire form into an Immediate.
func Decode(v uint32) Immediate {
	var i Immediate
	if v&(1<<31) != 0 {
		i.Kind = KindTransition
	} else {
		i.Kind = KindBuffer
	}
	i.Response = v&(1<<30) != 0
	i.Src = uint8((v >> idxBits) & srcMask)
	i.Idx = v & idxMask
	return i
}
