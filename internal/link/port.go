package link

import (
	"io"

	"codeberg.org/mutker/battester/internal/errors"
	"go.bug.st/serial"
)

// BaudRate is fixed at build time on both ends.
const BaudRate = 230400

// OpenPort opens a serial device with the link's line settings (8N1).
func OpenPort(device string) (io.ReadWriteCloser, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.New().WithData(ErrPortOpen, struct {
			Device string
			Error  string
		}{
			Device: device,
			Error:  err.Error(),
		})
	}

	return port, nil
}
