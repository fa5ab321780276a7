// Package sasl provides a minimal SASL mechanism descriptor satisfying
// transport.Sasl, shaped after the Authentication interface
// rabbitmq/amqp091-go's Config.SASL accepts (Mechanism()/Response()-style
// methods). The driver itself never negotiates SASL; this only lets an
// embedder describe and later query what mechanism a connection offered or
// negotiated.
package sasl

import "github.com/d98762625/qpid-proton/transport"

var _ transport.Sasl = (*Plain)(nil)

// Plain is the PLAIN SASL mechanism: an authentication identity and a
// password, sent as a single NUL-separated response per RFC 4616. The
// authorization identity is always empty.
type Plain struct {
	Identity string
	Password string

	outcome bool
}

// NewPlain builds a PLAIN mechanism descriptor for the given identity.
func NewPlain(identity, password string) *Plain {
	return &Plain{Identity: identity, Password: password}
}

func (p *Plain) Mechanism() string { return "PLAIN" }

// Response builds the RFC 4616 PLAIN response: authzid is left empty, so
// the message is "\x00" + identity + "\x00" + password.
func (p *Plain) Response() string {
	return "\x00" + p.Identity + "\x00" + p.Password
}

// Outcome reports whether negotiation completed successfully. Set by the
// embedder once its transport reports the SASL outcome frame.
func (p *Plain) Outcome() bool { return p.outcome }

// SetOutcome records the negotiated outcome.
func (p *Plain) SetOutcome(ok bool) { p.outcome = ok }
