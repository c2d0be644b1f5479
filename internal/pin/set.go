package pin

// Set is a flat, host-provided collection of candidate pins that
// RemoteComponent walks at Start. The depth-first scan that produces this
// flat slice is itself an external concern, so Set just hands back the
// already-scanned result.
type Set struct {
	pins []*Pin
}

func NewSet(pins ...*Pin) *Set {
	return &Set{pins: pins}
}

func (s *Set) Add(p *Pin) {
	s.pins = append(s.pins, p)
}

// Pins returns every candidate pin, including empty-named or disabled
// ones; RemoteComponent is responsible for filtering those out.
func (s *Set) Pins() []*Pin {
	return s.pins
}
