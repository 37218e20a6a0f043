// SPDX-License-Identifier: MIT
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"loopviz/internal/log"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("udp sender is closed")

// Sender handles sending data packets over UDP.
type Sender struct {
	conn *net.UDPConn
	log  zerolog.Logger
	mu   sync.Mutex // Protects conn during Close
}

// NewSender creates a new Sender targeting the specified address.
// The address should be in the format "host:port", e.g., "127.0.0.1:9090".
func NewSender(targetAddress string) (*Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve udp target %q: %w", targetAddress, err)
	}

	// We don't need to bind to a specific local port for sending,
	// so we use nil for the local address in DialUDP.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp target %q: %w", targetAddress, err)
	}

	l := log.Component("udp").With().Str("target", conn.RemoteAddr().String()).Logger()
	l.Info().Msg("udp sender ready")
	return &Sender{conn: conn, log: l}, nil
}

// Send transmits the given byte slice as a UDP packet.
func (s *Sender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("send udp packet: %w", err)
	}
	return nil
}

// Close closes the underlying UDP connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil // Already closed
	}
	err := s.conn.Close()
	s.conn = nil // Prevent further use
	s.log.Info().Msg("udp sender closed")
	if err != nil {
		return fmt.Errorf("close udp connection: %w", err)
	}
	return nil
}

// Ensure Sender satisfies the io.Closer interface
var _ interface{ Close() error } = (*Sender)(nil)
