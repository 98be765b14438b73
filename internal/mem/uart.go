package mem

import "io"

// 16550 register offsets.
const (
	uartRBR = 0 // receiver buffer (DLAB=0, read)
	uartTHR = 0 // transmitter holding (DLAB=0, write)
	uartDLL = 0 // divisor latch low (DLAB=1)
	uartIER = 1
	uartDLH = 1 // divisor latch high (DLAB=1)
	uartIIR = 2 // read
	uartFCR = 2 // write
	uartLCR = 3
	uartMCR = 4
	uartLSR = 5
	uartMSR = 6
	uartSCR = 7

	UARTSize = 0x1000
)

// LSR bits.
const (
	lsrDataReady  = 1 << 0
	lsrTHREmpty   = 1 << 5
	lsrTxEmpty    = 1 << 6
)

// IER bits.
const (
	ierRxAvail = 1 << 0
	ierThreEmpty = 1 << 1
)

const uartFIFODepth = 256

// UART is a 16550-compatible serial port. Output bytes are written
// immediately to Output; input bytes are pushed by the embedder via
// EnqueueInput (there is no blocking read — feeding guest stdin is the
// excluded front end's job).
type UART struct {
	Output io.Writer

	ier uint8
	lcr uint8
	mcr uint8
	scr uint8
	dll uint8
	dlh uint8
	fcr uint8

	rx    []byte
	rxPos int

	// thriPending latches a transmit-holding-register-empty interrupt
	// raised by a THR write while IER.THRI is set; a 16550 clears it on
	// IIR read (the interrupt is edge-triggered on the write since every
	// write here "transmits" immediately, so THRE is otherwise always
	// true and would never by itself produce an edge).
	thriPending bool

	OnInterrupt func(pending bool)
}

func NewUART(output io.Writer) *UART {
	return &UART{Output: output}
}

func (u *UART) Size() uint64 { return UARTSize }

func (u *UART) dlab() bool { return u.lcr&0x80 != 0 }

func (u *UART) lsr() uint8 {
	v := uint8(lsrTHREmpty | lsrTxEmpty)
	if len(u.rx) > u.rxPos {
		v |= lsrDataReady
	}
	return v
}

// iir reports the highest-priority pending interrupt source and clears
// the THRE indication, matching a real 16550's "read IIR acknowledges
// THRE" semantics. RX-data-available outranks THRE (priority 2 vs 1).
func (u *UART) iir() uint8 {
	if u.ier&ierRxAvail != 0 && len(u.rx) > u.rxPos {
		return 0x04 // RX data available, priority 2
	}
	if u.thriPending {
		u.thriPending = false
		return 0x02 // THR empty, priority 1
	}
	return 0x01 // no interrupt pending
}

func (u *UART) Read(offset uint64, size int) (uint64, error) {
	switch offset {
	case uartRBR:
		if u.dlab() {
			return uint64(u.dll), nil
		}
		if u.rxPos < len(u.rx) {
			b := u.rx[u.rxPos]
			u.rxPos++
			if u.rxPos == len(u.rx) {
				u.rx = nil
				u.rxPos = 0
			}
			u.notify()
			return uint64(b), nil
		}
		return 0, nil
	case uartIER:
		if u.dlab() {
			return uint64(u.dlh), nil
		}
		return uint64(u.ier), nil
	case uartIIR:
		v := u.iir()
		u.notify()
		return uint64(v), nil
	case uartLCR:
		return uint64(u.lcr), nil
	case uartMCR:
		return uint64(u.mcr), nil
	case uartLSR:
		return uint64(u.lsr()), nil
	case uartMSR:
		return 0, nil
	case uartSCR:
		return uint64(u.scr), nil
	}
	return 0, nil
}

func (u *UART) Write(offset uint64, size int, value uint64) error {
	switch offset {
	case uartTHR:
		if u.dlab() {
			u.dll = uint8(value)
			return nil
		}
		if u.Output != nil {
			_, _ = u.Output.Write([]byte{byte(value)})
		}
		if u.ier&ierThreEmpty != 0 {
			u.thriPending = true
			u.notify()
		}
	case uartIER:
		if u.dlab() {
			u.dlh = uint8(value)
			return nil
		}
		u.ier = uint8(value)
		u.notify()
	case uartFCR:
		u.fcr = uint8(value)
		if value&0x02 != 0 { // clear RX FIFO
			u.rx = nil
			u.rxPos = 0
		}
	case uartLCR:
		u.lcr = uint8(value)
	case uartMCR:
		u.mcr = uint8(value)
	case uartSCR:
		u.scr = uint8(value)
	}
	return nil
}

// EnqueueInput appends bytes to the receive FIFO, dropping the oldest
// bytes if it would exceed uartFIFODepth. Called by the embedder
// pushing guest stdin; the core never reads stdin itself.
func (u *UART) EnqueueInput(data []byte) {
	u.rx = append(u.rx[u.rxPos:], data...)
	u.rxPos = 0
	if len(u.rx) > uartFIFODepth {
		u.rx = u.rx[len(u.rx)-uartFIFODepth:]
	}
	u.notify()
}

func (u *UART) notify() {
	if u.OnInterrupt == nil {
		return
	}
	pending := (u.ier&ierRxAvail != 0 && len(u.rx) > u.rxPos) || u.thriPending
	u.OnInterrupt(pending)
}

var _ Device = (*UART)(nil)
