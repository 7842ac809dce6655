package pty

// altScreenScanner is a small state machine that detects complete DEC
// private-mode alternate-screen sequences (CSI ?1049h / CSI ?1049l) in a
// byte stream that may deliver them split across arbitrarily many Read()
// calls. Scanning by substring search on each chunk independently — the
// teacher's original approach — misses a sequence whose bytes straddle a
// chunk boundary; this type never loses state between Feed calls.
//
// It only tracks the one DEC private mode this package cares about (1049);
// any other CSI sequence resets it to scanning without side effects.
type altScreenScanner struct {
	state  scanState
	params []byte // accumulated parameter bytes since '?'
}

type scanState int

const (
	scanIdle scanState = iota
	scanEsc            // saw ESC
	scanCSI            // saw ESC '['
	scanPrivate        // saw ESC '[' '?', accumulating digits
)

const (
	escByte = 0x1b
	csiByte = '['
)

// Feed processes one byte and returns (entering, ok) where ok is true iff
// this byte completed a CSI ?1049h or CSI ?1049l sequence; entering is
// true for 'h' (entering alternate screen) and false for 'l' (exiting).
func (s *altScreenScanner) Feed(b byte) (entering bool, ok bool) {
	switch s.state {
	case scanIdle:
		if b == escByte {
			s.state = scanEsc
		}
	case scanEsc:
		if b == csiByte {
			s.state = scanCSI
		} else {
			s.state = scanIdle
		}
	case scanCSI:
		if b == '?' {
			s.state = scanPrivate
			s.params = s.params[:0]
		} else if b == escByte {
			s.state = scanEsc
		} else {
			s.state = scanIdle
		}
	case scanPrivate:
		switch {
		case b >= '0' && b <= '9' || b == ';':
			s.params = append(s.params, b)
		case b == 'h' || b == 'l':
			is1049 := string(s.params) == "1049"
			s.state = scanIdle
			if is1049 {
				return b == 'h', true
			}
		case b == escByte:
			s.state = scanEsc
		default:
			s.state = scanIdle
		}
	}
	return false, false
}

// FeedBytes runs Feed over a whole chunk and reports the final
// alternate-screen transition observed in it, if any. Intermediate
// transitions within the same chunk are collapsed to the last one, matching
// the teacher's per-read granularity for the in_alternate_screen flag.
func (s *altScreenScanner) FeedBytes(p []byte) (entering bool, transitioned bool) {
	for _, b := range p {
		if e, ok := s.Feed(b); ok {
			entering, transitioned = e, true
		}
	}
	return
}
