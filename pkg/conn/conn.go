// Package conn defines the cloud-connection publisher contract (spec
// §6): a source of connect/disconnect events the dispatcher's
// conngate.Gate reacts to. ManualPublisher is a reference binding for
// tests and the host binary's manual/demo profile; a production
// binding would wrap whatever transport carries the control-plane
// heartbeat, left outside this repository's scope (spec §1).
package conn

// Publisher delivers connect/disconnect edges to whatever registers a
// callback with it.
type Publisher interface {
	OnConnect(func())
	OnDisconnect(func())
}

// ManualPublisher lets a caller (test, CLI command, operator tool)
// drive connect/disconnect edges directly.
type ManualPublisher struct {
	onConnect    []func()
	onDisconnect []func()
}

// NewManualPublisher returns an empty ManualPublisher.
func NewManualPublisher() *ManualPublisher {
	return &ManualPublisher{}
}

// OnConnect registers fn to be called on every Connect().
func (p *ManualPublisher) OnConnect(fn func()) {
	p.onConnect = append(p.onConnect, fn)
}

// OnDisconnect registers fn to be called on every Disconnect().
func (p *ManualPublisher) OnDisconnect(fn func()) {
	p.onDisconnect = append(p.onDisconnect, fn)
}

// Connect fires every callback registered via OnConnect.
func (p *ManualPublisher) Connect() {
	for _, fn := range p.onConnect {
		fn()
	}
}

// Disconnect fires every callback registered via OnDisconnect.
func (p *ManualPublisher) Disconnect() {
	for _, fn := range p.onDisconnect {
		fn()
	}
}
