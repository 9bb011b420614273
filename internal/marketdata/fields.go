package marketdata

// TickKind is the canonical meaning of a vendor tick field code.
type TickKind int

const (
	TickUnknown TickKind = iota
	TickBid
	TickAsk
	TickLast
	TickVolume
)

func (k TickKind) String() string {
	switch k {
	case TickBid:
		return "bid"
	case TickAsk:
		return "ask"
	case TickLast:
		return "last"
	case TickVolume:
		return "volume"
	default:
		return "unknown"
	}
}

type fieldInfo struct {
	kind    TickKind
	delayed bool
}

// FieldMap translates vendor tick field codes into canonical kinds and
// classifies them as real-time or delayed. Unmapped codes inside the delayed
// band still count as delayed so the is-delayed flag survives vendor
// additions to the delayed field set.
type FieldMap struct {
	entries     map[int]fieldInfo
	delayedLow  int
	delayedHigh int
}

// DefaultFieldMap covers the bid/ask/last/volume pairs: real-time codes
// 1/2/4/8 and their delayed equivalents 33/34/35/41. Delayed band is 33-57.
func DefaultFieldMap() *FieldMap {
	return &FieldMap{
		entries: map[int]fieldInfo{
			1:  {TickBid, false},
			2:  {TickAsk, false},
			4:  {TickLast, false},
			8:  {TickVolume, false},
			33: {TickBid, true},
			34: {TickAsk, true},
			35: {TickLast, true},
			41: {TickVolume, true},
		},
		delayedLow:  33,
		delayedHigh: 57,
	}
}

// WithDelayedRange overrides the fallback delayed band.
func (m *FieldMap) WithDelayedRange(low, high int) *FieldMap {
	m.delayedLow, m.delayedHigh = low, high
	return m
}

// Classify maps a field code to its kind and delayed flag.
func (m *FieldMap) Classify(field int) (TickKind, bool) {
	if info, ok := m.entries[field]; ok {
		return info.kind, info.delayed
	}
	return TickUnknown, field >= m.delayedLow && field <= m.delayedHigh
}
