package addr

// PID is an opaque peer identifier. Equality is byte equality — the core
// never interprets a PID's internal structure.
type PID string

func (p PID) String() string { return string(p) }

// Empty reports whether the PID carries no identity.
func (p PID) Empty() bool { return p == "" }
