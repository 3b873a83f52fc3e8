package domain

type LinkRole int

const (
	RoleInitiator LinkRole = iota
	RoleResponder
)

func (r LinkRole) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type LinkState int

const (
	LinkNegotiating LinkState = iota
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}
