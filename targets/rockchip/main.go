// Command pwmcap-node exposes a Rockchip PWM channel in capture mode to a
// Klipper-style host over a serial line.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"pwmcap/core"
	"pwmcap/host/logger"
	"pwmcap/host/serial"
	"pwmcap/protocol"
	"pwmcap/targets/sim"
)

func main() {
	app := &cli.App{
		Name:  "pwmcap-node",
		Usage: "serve PWM capture measurements over the Klipper protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
			&cli.StringFlag{Name: "device", Usage: "serial device, overrides serial.device"},
			&cli.BoolFlag{Name: "simulate", Usage: "use an emulated signal instead of hardware"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorf("%v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := LoadConfig(c.String("config"), func(cfg *Config) {
		if c.IsSet("device") {
			cfg.Serial.Device = c.String("device")
		}
		if c.Bool("simulate") {
			cfg.Simulate.Enabled = true
		}
		if c.IsSet("log-level") {
			cfg.Log.Level = c.String("log-level")
		}
	})
	if err != nil {
		return err
	}

	logger.InitLogger(logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		Color:      cfg.Log.Color,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	defer func() { _ = logger.Sync() }()
	core.SetDebugWriter(logger.DebugWriter())
	core.SetDebugEnabled(cfg.Log.Trace)

	st, err := newStack(cfg)
	if err != nil {
		return err
	}

	port, err := serial.Open(&serial.Config{
		Device:      cfg.Serial.Device,
		Baud:        cfg.Serial.Baud,
		ReadTimeout: 100,
	})
	if err != nil {
		return multierr.Combine(err, st.Close())
	}
	if err := port.Flush(); err != nil {
		return multierr.Combine(errors.Wrap(err, "flush serial port"), port.Close(), st.Close())
	}
	logger.Infof("serving channel %d on %s (simulate=%v)", cfg.PWM.Channel, cfg.Serial.Device, cfg.Simulate.Enabled)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveErr := st.Serve(ctx, port)
	return multierr.Combine(serveErr, port.Close(), st.Close())
}

// interruptLine is where a channel's interrupt handler is attached: a UIO
// device on hardware, the generator in simulation.
type interruptLine interface {
	Attach(h core.InterruptHandler)
	Run() error
	Close() error
}

// simLine adapts the generator, which calls handlers itself.
type simLine struct {
	*sim.Generator
	closed chan struct{}
}

func (s *simLine) Run() error {
	<-s.closed
	return nil
}

func (s *simLine) Close() error {
	close(s.closed)
	return nil
}

// stack is everything between the serial port and the registers.
type stack struct {
	regs    core.RegisterBlock
	line    interruptLine
	mmio    *mmioBlock
	channel *core.CaptureChannel
	node    *core.Node
}

func newStack(cfg *Config) (*stack, error) {
	st := &stack{}
	var pwmClk, busClk core.ClockSource

	if cfg.Simulate.Enabled {
		gen := sim.NewGenerator(uint8(cfg.PWM.Channel), sim.Signal{
			HighTicks: cfg.Simulate.HighTicks,
			LowTicks:  cfg.Simulate.LowTicks,
		})
		st.regs = gen
		st.line = &simLine{Generator: gen, closed: make(chan struct{})}
		pwmClk = sim.NewClock(cfg.Simulate.ClockRate)
	} else {
		mmio, err := mapRegisters(cfg.PWM.Base)
		if err != nil {
			return nil, err
		}
		line, err := openUIO(cfg.PWM.UIO)
		if err != nil {
			return nil, multierr.Combine(err, mmio.Close())
		}
		st.regs, st.mmio, st.line = mmio, mmio, line
		pwmClk = newKernelClock("pwm", cfg.PWM.ClockDir, cfg.PWM.ClockRate)
		if cfg.PWM.BusClockDir != "" {
			busClk = newKernelClock("pclk", cfg.PWM.BusClockDir, 0)
		}
	}

	ch, err := core.NewCaptureChannel(core.CaptureChannelConfig{
		Regs:     st.regs,
		Channel:  uint8(cfg.PWM.Channel),
		Clock:    pwmClk,
		BusClock: busClk,
		Capture:  cfg.CaptureConfig(),
	})
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "attach capture channel"), st.closeHardware())
	}
	st.channel = ch
	st.line.Attach(ch.OnInterrupt)

	st.node = core.NewNode()
	st.node.Dictionary().AddConstant("MCU", "rockchip-pwm")
	st.node.AttachCapture(ch)
	return st, nil
}

// Serve runs the protocol on port until ctx ends or the port fails. Each call
// starts from a cleared configuration.
func (st *stack) Serve(ctx context.Context, port io.ReadWriter) error {
	transport := protocol.NewTransport(port, st.node.HandleCommand)
	transport.SetResetCallback(func() {
		logger.Infof("transport reset, clearing configuration")
		st.node.ResetState()
	})
	transport.SetErrorCallback(func(err error) {
		logger.Warnf("command failed: %v", err)
	})
	transport.Reset()
	st.node.SetSender(transport)
	defer st.node.SetSender(nil)

	lineErr := make(chan error, 1)
	go func() { lineErr <- st.line.Run() }()

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := port.Read(buf)
			if n > 0 {
				transport.Feed(buf[:n])
			}
			if err != nil && err != io.EOF {
				readErr <- err
				return
			}
			if ctx.Err() != nil {
				readErr <- nil
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		return errors.Wrap(err, "serial read")
	case err := <-lineErr:
		return errors.Wrap(err, "interrupt line")
	}
}

// Close stops captures and releases the hardware.
func (st *stack) Close() error {
	err := st.node.Shutdown()
	st.node.Wait()
	return multierr.Combine(err, st.closeHardware())
}

func (st *stack) closeHardware() error {
	var err error
	if st.line != nil {
		err = multierr.Append(err, st.line.Close())
	}
	if st.mmio != nil {
		err = multierr.Append(err, st.mmio.Close())
	}
	return err
}
