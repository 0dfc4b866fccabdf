// Package sim emulates the capture half of a PWM controller channel so the
// capture engine can run without hardware.
package sim

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"pwmcap/core"
)

// Signal is the waveform fed to the channel, in capture ticks.
// A zero phase means no signal is connected.
type Signal struct {
	HighTicks uint32
	LowTicks  uint32
}

// DefaultEdgeInterval is the wall time between emulated edges.
const DefaultEdgeInterval = 200 * time.Microsecond

// Generator is a core.RegisterBlock for one PWM channel window. While the
// channel is enabled a goroutine produces alternating phase ends, latches their
// length into HPR or LPR, raises the interrupt status bit and calls the
// attached handlers. Interrupt status is write-one-to-clear.
type Generator struct {
	mu       sync.Mutex
	channel  uint8
	regs     map[uint32]uint32
	signal   Signal
	interval time.Duration
	clk      clock.Clock
	handlers []core.InterruptHandler
	stop     chan struct{} // non-nil while running
	edges    uint64
	nextHigh bool
}

// NewGenerator returns a disabled channel emitting sig once enabled.
func NewGenerator(channel uint8, sig Signal) *Generator {
	return &Generator{
		channel:  channel,
		regs:     make(map[uint32]uint32),
		signal:   sig,
		interval: DefaultEdgeInterval,
		clk:      clock.New(),
		nextHigh: true,
	}
}

// SetClock replaces the time source driving edges.
func (g *Generator) SetClock(clk clock.Clock) {
	g.mu.Lock()
	g.clk = clk
	g.mu.Unlock()
}

// SetEdgeInterval sets the wall time between edges.
func (g *Generator) SetEdgeInterval(d time.Duration) {
	g.mu.Lock()
	g.interval = d
	g.mu.Unlock()
}

// SetSignal changes the waveform. It applies from the next edge.
func (g *Generator) SetSignal(sig Signal) {
	g.mu.Lock()
	g.signal = sig
	g.mu.Unlock()
}

// Attach adds a handler to the interrupt line. Handlers are called in order
// until one claims the interrupt.
func (g *Generator) Attach(h core.InterruptHandler) {
	g.mu.Lock()
	g.handlers = append(g.handlers, h)
	g.mu.Unlock()
}

// Edges returns how many phase ends have been emitted.
func (g *Generator) Edges() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges
}

func (g *Generator) Read(offset uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regs[offset]
}

func (g *Generator) Write(offset, value uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.regs[offset]
	if offset == core.PWMRegIntStatus(g.channel) {
		g.regs[offset] = old &^ value
		return
	}
	g.regs[offset] = value

	if offset != core.PWMRegCtrl {
		return
	}
	wasOn, isOn := old&core.PWMCtrlEnable != 0, value&core.PWMCtrlEnable != 0
	switch {
	case isOn && !wasOn && g.stop == nil:
		g.stop = make(chan struct{})
		go g.run(g.stop, g.clk, g.interval)
	case !isOn && wasOn && g.stop != nil:
		close(g.stop)
		g.stop = nil
	}
}

func (g *Generator) run(stop chan struct{}, clk clock.Clock, interval time.Duration) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		handlers, ok := g.edge(stop)
		if !ok {
			return
		}
		for _, h := range handlers {
			if h() == core.IRQHandled {
				break
			}
		}
	}
}

// edge emits one phase end. It returns the handlers to call, none when the
// interrupt is masked, and false once the run has been stopped.
func (g *Generator) edge(stop chan struct{}) ([]core.InterruptHandler, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-stop:
		return nil, false
	default:
	}

	high := g.nextHigh
	ticks := g.signal.LowTicks
	if high {
		ticks = g.signal.HighTicks
	}
	if g.signal.HighTicks == 0 || g.signal.LowTicks == 0 {
		return nil, true
	}
	g.nextHigh = !high
	g.edges++

	ch := g.channel
	status := g.regs[core.PWMRegIntStatus(ch)] &^ core.PWMPolBit(ch)
	status |= core.PWMIntBit(ch)
	if high {
		status |= core.PWMPolBit(ch)
		g.regs[core.PWMRegHPR] = ticks
	} else {
		g.regs[core.PWMRegLPR] = ticks
	}
	g.regs[core.PWMRegIntStatus(ch)] = status
	g.regs[core.PWMRegCounter] += ticks

	if g.regs[core.PWMRegIntEnable(ch)]&core.PWMIntBit(ch) == 0 {
		return nil, true
	}
	return append([]core.InterruptHandler(nil), g.handlers...), true
}
