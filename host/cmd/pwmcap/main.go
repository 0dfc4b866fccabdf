// Command pwmcap talks to a capture node: it prints the node's dictionary and
// takes PWM measurements.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"pwmcap/core"
	"pwmcap/host/capture"
	"pwmcap/host/logger"
	"pwmcap/host/mcu"
	"pwmcap/host/serial"
)

func main() {
	app := &cli.App{
		Name:  "pwmcap",
		Usage: "measure PWM signals through a capture node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Value: "/dev/ttyUSB0", Usage: "serial device"},
			&cli.IntFlag{Name: "baud", Value: 250000, Usage: "baud rate"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "debug, info, warn or error"},
		},
		Before: func(c *cli.Context) error {
			logger.InitLogger(logger.Config{Level: logger.ParseLevel(c.String("log-level")), Color: true})
			return nil
		},
		After: func(c *cli.Context) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "dict",
				Usage:  "print the node's data dictionary",
				Action: dictAction,
			},
			{
				Name:  "measure",
				Usage: "configure a capture channel and take measurements",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "oid", Value: 0},
					&cli.UintFlag{Name: "channel", Value: 0},
					&cli.IntFlag{Name: "count", Value: 1, Usage: "measurements to take, 0 for endless"},
					&cli.DurationFlag{Name: "interval", Value: time.Second},
					&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "per measurement"},
					&cli.BoolFlag{Name: "trace", Usage: "ask the node to log its interrupt trace after each attempt"},
				},
				Action: measureAction,
			},
			{
				Name:   "stop",
				Usage:  "emergency stop every capture channel",
				Action: stopAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pwmcap:", err)
		os.Exit(1)
	}
}

func connect(c *cli.Context) (*mcu.MCU, error) {
	m := mcu.NewMCU()
	cfg := serial.DefaultConfig(c.String("device"))
	cfg.Baud = c.Int("baud")
	if err := m.ConnectWithConfig(cfg); err != nil {
		return nil, err
	}
	if err := m.RetrieveDictionary(c.Context); err != nil {
		return nil, errors.Wrap(closeOnError(m, err), "identify")
	}
	return m, nil
}

func closeOnError(m *mcu.MCU, err error) error {
	if cerr := m.Close(); cerr != nil {
		logger.Warnf("close: %v", cerr)
	}
	return err
}

func dictAction(c *cli.Context) error {
	m, err := connect(c)
	if err != nil {
		return err
	}
	defer m.Close()

	dict := m.GetDictionary()
	w := c.App.Writer
	fmt.Fprintf(w, "version: %s\nbuild: %s\n", dict.Version, dict.BuildVersions)
	fmt.Fprintln(w, "config:")
	for _, k := range sortedKeys(dict.Config) {
		fmt.Fprintf(w, "  %s = %s\n", k, dict.Config[k])
	}
	fmt.Fprintln(w, "commands:")
	printMessages(c, dict.Commands)
	fmt.Fprintln(w, "responses:")
	printMessages(c, dict.Responses)
	return nil
}

func printMessages(c *cli.Context, msgs map[string]int) {
	names := make([]string, 0, len(msgs))
	for name := range msgs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return msgs[names[i]] < msgs[names[j]] })
	for _, name := range names {
		fmt.Fprintf(c.App.Writer, "  [%d] %s\n", msgs[name], name)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func measureAction(c *cli.Context) error {
	m, err := connect(c)
	if err != nil {
		return err
	}
	defer m.Close()

	client := capture.NewClient(m)
	oid := uint8(c.Uint("oid"))
	if err := client.Configure(oid, uint8(c.Uint("channel"))); err != nil {
		return err
	}

	count := c.Int("count")
	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			select {
			case <-c.Context.Done():
				return nil
			case <-time.After(c.Duration("interval")):
			}
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		res, err := client.Measure(ctx, oid)
		cancel()
		switch {
		case err == nil:
			fmt.Fprintf(c.App.Writer, "period=%dns duty=%dns freq=%.3fHz duty_cycle=%.2f%%\n",
				res.PeriodNs, res.DutyNs, res.FrequencyHz(), res.DutyRatio()*100)
		case errors.Is(err, core.ErrCaptureTimeout):
			fmt.Fprintln(c.App.Writer, "no signal")
		case errors.Is(err, core.ErrCaptureBusy):
			fmt.Fprintln(c.App.Writer, "busy")
		default:
			return err
		}
		if c.Bool("trace") {
			if err := client.DumpTrace(oid); err != nil {
				return err
			}
		}
	}
	return nil
}

func stopAction(c *cli.Context) error {
	m, err := connect(c)
	if err != nil {
		return err
	}
	defer m.Close()
	return capture.NewClient(m).EmergencyStop()
}
