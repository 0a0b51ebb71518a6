package telemetry

// Default identifiers used when the configuration does not set them.
const (
	DefaultSystemID    uint8 = 1
	DefaultComponentID uint8 = 1
)

// Session is the per-link sender state: the identifiers stamped on every
// frame and the rolling sequence number.
//
// A Session is not safe for concurrent use. Callers that encode from more
// than one goroutine must serialise calls that take the same *Session, or
// sequence numbers will be duplicated or skipped.
type Session struct {
	SystemID    uint8
	ComponentID uint8
	// Seq is the sequence number the next encoded frame will carry. It wraps
	// modulo 256.
	Seq uint8
}

// NewSession returns a session with the given identifiers and Seq 0.
func NewSession(systemID, componentID uint8) *Session {
	return &Session{SystemID: systemID, ComponentID: componentID}
}

// DefaultSession returns a session with system and component id 1.
func DefaultSession() *Session {
	return NewSession(DefaultSystemID, DefaultComponentID)
}

// next returns the current sequence number and advances it.
func (s *Session) next() uint8 {
	seq := s.Seq
	s.Seq++
	return seq
}
