//go:build !linux
// +build !linux

package tdls

import (
	"time"

	"github.com/rs/zerolog"
)

var _ transport = &client{}

// A client is the no-op implementation of the TDLS transport.
type client struct{}

func newClient(_ zerolog.Logger) (*client, error) { return nil, errUnimplemented }

func (*client) Close() error                                       { return errUnimplemented }
func (*client) Interfaces() ([]*Interface, error)                  { return nil, errUnimplemented }
func (*client) interfaceByName(_ string) (*Interface, error)       { return nil, errUnimplemented }
func (*client) execute(_ []byte, _ bool) ([]byte, error)           { return nil, errUnimplemented }
func (*client) subscribe(_ eventKey, _ func(uint32, []byte)) error { return errUnimplemented }
func (*client) unsubscribe(_ eventKey)                             {}
func (*client) SetDeadline(_ time.Time) error                      { return errUnimplemented }
func (*client) SetReadDeadline(_ time.Time) error                  { return errUnimplemented }
func (*client) SetWriteDeadline(_ time.Time) error                 { return errUnimplemented }
