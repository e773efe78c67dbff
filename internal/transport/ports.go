// internal/transport/ports.go
package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// ListPorts enumerates serial port device names available on the host
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}
	return ports, nil
}
