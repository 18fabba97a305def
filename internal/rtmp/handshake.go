package rtmp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	rtmpVersion   = 3
	handshakeSize = 1536
)

// ErrHandshake is returned when the server handshake is short or unreadable
var ErrHandshake = errors.New("rtmp: handshake failed")

// clientHandshake runs the plain three-step handshake: C0+C1 out, S0+S1 in,
// C2 (an echo of S1) out, S2 in.
func clientHandshake(rw io.ReadWriter) error {
	c0c1 := make([]byte, 1+handshakeSize)
	c0c1[0] = rtmpVersion
	// time and zero fields stay 0
	if _, err := rand.Read(c0c1[9:]); err != nil {
		return fmt.Errorf("%w: random: %v", ErrHandshake, err)
	}
	if _, err := rw.Write(c0c1); err != nil {
		return fmt.Errorf("%w: write C0C1: %v", ErrHandshake, err)
	}

	s0s1 := make([]byte, 1+handshakeSize)
	if _, err := io.ReadFull(rw, s0s1); err != nil {
		return fmt.Errorf("%w: read S0S1: %v", ErrHandshake, err)
	}

	if _, err := rw.Write(s0s1[1:]); err != nil {
		return fmt.Errorf("%w: write C2: %v", ErrHandshake, err)
	}

	s2 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(rw, s2); err != nil {
		return fmt.Errorf("%w: read S2: %v", ErrHandshake, err)
	}
	return nil
}
