package optoswitch

import (
	"go.bug.st/serial"
)

// openSerial opens the physical RS-232 port, 8N1 at the configured baud.
func openSerial(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(cfg.Device, mode)
}
