package entities

// ExitStatus is the decoded form of a raw POSIX wait status.
//
// A process either exited with Value or was killed by Signal, never both.
// The bit layout is value<<8 | coredump<<7 | signal, which is also what the
// `exitcode` result key carries.
type ExitStatus struct {
	Raw        int
	Value      int
	Signal     int
	CoreDumped bool
}

// StatusFromRaw decomposes a raw wait status.
func StatusFromRaw(raw int) ExitStatus {
	return ExitStatus{
		Raw:        raw,
		Value:      (raw >> 8) & 0xff,
		Signal:     raw & 0x7f,
		CoreDumped: raw&0x80 != 0,
	}
}

// Exited reports whether the process ended on its own rather than by signal.
func (s ExitStatus) Exited() bool {
	return s.Signal == 0
}

// Elevated corrects a status observed through a privilege-elevation wrapper.
//
// The wrapper's own signal field, when nonzero, already carries the signal
// that killed the target (sudo propagates it). When it is zero the wrapper
// exited cleanly and its exit value encodes the target's fate: 128+signal
// for a signalled target, the plain return value otherwise. The spurious
// core-dump bit of the wrapper status never belongs to the target.
func (s ExitStatus) Elevated() ExitStatus {
	if s.Signal != 0 {
		return ExitStatus{Raw: s.Signal, Signal: s.Signal}
	}

	if s.Value&0x80 != 0 {
		sig := s.Value & 0x7f
		return ExitStatus{Raw: sig, Signal: sig}
	}
	return ExitStatus{Raw: s.Value << 8, Value: s.Value}
}

// ElevatedRaw encodes the wait status a privilege-elevation wrapper reports
// for a target that exited with value or was killed by signal. Inverse of
// StatusFromRaw + Elevated as long as the wrapper itself dies cleanly.
func ElevatedRaw(value, signal int) int {
	if signal != 0 {
		return (0x80 | (signal & 0x7f)) << 8
	}
	return (value & 0x7f) << 8
}
