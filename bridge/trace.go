package bridge

import (
	"fmt"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/regbus"
)

// trace writes timestamped lines to the UART data register one byte at a
// time.
type trace struct {
	bus   regbus.Bus
	timer *kernel.Timer
}

func (t trace) printf(format string, args ...any) {
	line := fmt.Sprintf("[%6d] ", t.timer.Tick()) + fmt.Sprintf(format, args...) + "\n"
	for i := 0; i < len(line); i++ {
		t.bus.Write(regbus.UARTData, line[i])
	}
}
