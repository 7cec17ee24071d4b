package shared

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Validation errors for the immutable connection inputs.
var (
	ErrEmptyHost   = errors.New("endpoint host is empty")
	ErrInvalidPort = errors.New("endpoint port must be between 1 and 65535")
	ErrEmptyName   = errors.New("identity display name is empty")
)

// Endpoint is the game server the bot connects to.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewEndpoint validates host and port and returns an Endpoint.
func NewEndpoint(host string, port int) (Endpoint, error) {
	ep := Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Validate reports whether the endpoint can be dialled.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return ErrEmptyHost
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrInvalidPort, e.Port)
	}
	return nil
}

// Address renders host:port, bracketing IPv6 literals.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// Identity is the in-game profile the bot logs in as.
type Identity struct {
	DisplayName string `json:"display_name"`
}

func (i Identity) Validate() error {
	if i.DisplayName == "" {
		return ErrEmptyName
	}
	return nil
}
