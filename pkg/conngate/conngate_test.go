package conngate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnConnect_FiresOnce(t *testing.T) {
	g := New()

	g.OnConnect()
	select {
	case <-g.Triggered():
	default:
		t.Fatal("expected a trigger after first OnConnect")
	}

	g.OnDisconnect()
	g.OnConnect()
	select {
	case <-g.Triggered():
		t.Fatal("did not expect a second trigger without Reset")
	default:
	}
}

func TestReset_RearmsTrigger(t *testing.T) {
	g := New()
	g.OnConnect()
	<-g.Triggered()

	g.Reset()
	g.OnDisconnect()
	g.OnConnect()

	select {
	case <-g.Triggered():
	default:
		t.Fatal("expected a trigger after Reset + reconnect")
	}
}

func TestConnected_ReflectsLatestEdge(t *testing.T) {
	g := New()
	assert.False(t, g.Connected())
	g.OnConnect()
	assert.True(t, g.Connected())
	g.OnDisconnect()
	assert.False(t, g.Connected())
}
