// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
)

// transport is the byte stream a session speaks HTTP over. It is chosen once
// per connection by the protocol detector.
type transport interface {
	io.ReadWriter

	// Shutdown signals end of stream to the peer and releases the
	// connection.
	Shutdown() error

	// Scheme is the URL scheme requests on this transport are addressed to.
	Scheme() string
}

type plainTransport struct {
	*bufConn
}

func (t *plainTransport) Scheme() string {
	return "http"
}

func (t *plainTransport) Shutdown() error {
	return errors.Join(ignoreClosed(t.CloseWrite()), ignoreClosed(t.Close()))
}

type tlsTransport struct {
	*tls.Conn
}

func (t *tlsTransport) Scheme() string {
	return "https"
}

// Shutdown sends close_notify before closing the underlying connection.
func (t *tlsTransport) Shutdown() error {
	var errs []error
	if err := ignoreClosed(t.CloseWrite()); err != nil {
		errs = append(errs, fmt.Errorf("close notify: %w", err))
	}
	if err := ignoreClosed(t.Close()); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
