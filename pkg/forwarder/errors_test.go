package forwarder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	cause := errors.New("sendto: network unreachable")
	err := &Error{Kind: KindTransmit, Upstream: "8.8.8.8:53", Err: cause}

	assert.ErrorIs(t, err, ErrTransmit)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to transmit query: 8.8.8.8:53: sendto: network unreachable", err.Error())

	timeout := &Error{Kind: KindTimeout, Upstream: "1.1.1.1:53"}
	assert.Equal(t, "upstream timeout: 1.1.1.1:53", timeout.Error())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", &Error{Kind: KindNetwork, Upstream: "x"})

	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrNetwork)
	assert.Equal(t, Kind(0), KindOf(errors.New("other")))
	assert.Equal(t, Kind(0), KindOf(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transmit", KindTransmit.String())
	assert.Equal(t, "network", KindNetwork.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
