package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pmble "argus-powermeter/pkg/ble"
	"argus-powermeter/pkg/cps"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cps-monitor",
	Short: "Check a Cycling Power Sensor's notification timing and crank counters",
	Long: `Connects to a Cycling Power peripheral, subscribes to the Cycling Power
Measurement characteristic (0x2A63) and collects samples.

The report covers the interval jitter between notifications and the
continuity of the crank revolution counters: every packet must advance the
revolution count by one and the event time by one period, modulo 65536.`,
	RunE: run,
}

var (
	monitorMAC      string
	monitorAdapter  int
	monitorDiscover bool
	monitorSamples  int
	monitorPeriod   time.Duration
	monitorTimeout  time.Duration
)

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringVar(&monitorMAC, "mac", "", "MAC address of the peripheral (required)")
	rootCmd.Flags().IntVar(&monitorAdapter, "adapter", 0, "HCI adapter id (0 for hci0)")
	rootCmd.Flags().BoolVar(&monitorDiscover, "discover", false, "Only list services and characteristics")
	rootCmd.Flags().IntVar(&monitorSamples, "samples", 200, "Number of intervals to collect")
	rootCmd.Flags().DurationVar(&monitorPeriod, "period", 250*time.Millisecond, "Expected notification period")
	rootCmd.Flags().DurationVar(&monitorTimeout, "timeout", 30*time.Second, "Connection timeout")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("mac")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := linux.NewDevice(ble.OptDeviceID(monitorAdapter))
	if err != nil {
		return fmt.Errorf("select adapter hci%d: %w", monitorAdapter, err)
	}
	defer d.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connecting to %s via hci%d...\n", monitorMAC, monitorAdapter)

	dialCtx, cancel := context.WithTimeout(ctx, monitorTimeout)
	client, err := d.Dial(dialCtx, ble.NewAddr(strings.ToUpper(monitorMAC)))
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.CancelConnection()

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("discover profile: %w", err)
	}

	if monitorDiscover {
		printProfile(out, profile)
		return nil
	}

	powerChar := pmble.FindCharacteristic(profile, pmble.PowerCharUUID)
	if powerChar == nil {
		return fmt.Errorf("power measurement characteristic %s not found; try --discover", pmble.PowerCharUUID)
	}

	analyzer := NewAnalyzer(monitorPeriod)
	packets := make(chan sample, 16)
	handler := newSampleHandler(packets, time.Now, logger)
	if err := client.Subscribe(powerChar, false, handler); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer client.Unsubscribe(powerChar, false)

	fmt.Fprintln(out, "Collecting samples...")
collect:
	for analyzer.Intervals() < monitorSamples {
		select {
		case p := <-packets:
			analyzer.Add(p.m, p.at)
			logger.WithField("packet", p.m.String()).Debug("Measurement")
			fmt.Fprintf(out, "\rSamples: %d/%d", analyzer.Intervals(), monitorSamples)
		case <-client.Disconnected():
			fmt.Fprintln(out, "\nPeripheral disconnected.")
			break collect
		case <-ctx.Done():
			fmt.Fprintln(out, "\nInterrupted.")
			break collect
		}
	}
	fmt.Fprintln(out)

	printReport(out, analyzer.Report())
	return nil
}

// sample is a parsed measurement stamped when its notification arrived.
type sample struct {
	m  cps.Measurement
	at time.Time
}

// newSampleHandler returns a notification handler that stamps each packet
// on arrival, before it queues behind the collect loop.
func newSampleHandler(out chan<- sample, now func() time.Time, log logrus.FieldLogger) func([]byte) {
	return func(data []byte) {
		at := now()
		m, err := cps.ParseMeasurement(data)
		if err != nil {
			log.WithError(err).Warn("Malformed measurement")
			return
		}
		select {
		case out <- sample{m: m, at: at}:
		default:
			log.Warn("Monitor falling behind, dropping packet")
		}
	}
}

func printProfile(w io.Writer, p *ble.Profile) {
	fmt.Fprintln(w, "-----------------------------------------")
	for _, s := range p.Services {
		fmt.Fprintf(w, "Service: %s (%s)\n", s.UUID, ble.Name(s.UUID))
		for _, c := range s.Characteristics {
			fmt.Fprintf(w, "  - Characteristic: %s (%s), Properties: %v\n", c.UUID, ble.Name(c.UUID), c.Property)
		}
	}
	fmt.Fprintln(w, "-----------------------------------------")
}

func printReport(w io.Writer, r Report) {
	if r.Samples < 2 {
		fmt.Fprintln(w, "Not enough data for analysis.")
		return
	}

	fmt.Fprintln(w, "--- Cycling Power Notification Report ---")
	fmt.Fprintf(w, "Packets:               %d\n", r.Packets)
	fmt.Fprintf(w, "Mean interval:         %.2f ms\n", r.Mean)
	fmt.Fprintf(w, "Min interval:          %.2f ms\n", r.Min)
	fmt.Fprintf(w, "Max interval:          %.2f ms\n", r.Max)
	fmt.Fprintf(w, "Std deviation (jitter): %.2f ms\n", r.StdDev)
	fmt.Fprintf(w, "Power range:           %d..%d W\n", r.MinPower, r.MaxPower)
	fmt.Fprintf(w, "Missed packets:        %d\n", r.Missed)
	fmt.Fprintf(w, "Counter errors:        %d\n", r.Discontinuities)
	fmt.Fprintln(w, "-----------------------------------------")

	switch r.Verdict() {
	case JitterLow:
		color.New(color.FgGreen).Fprintln(w, "Jitter LOW: timing consistent with dedicated hardware.")
	case JitterModerate:
		color.New(color.FgYellow).Fprintln(w, "Jitter MODERATE: non-standard device or a noisy radio environment.")
	default:
		color.New(color.FgRed).Fprintln(w, "Jitter HIGH: timing consistent with a software peripheral.")
	}
	if r.CountersOK() {
		color.New(color.FgGreen).Fprintln(w, "Crank counters continuous.")
	} else {
		color.New(color.FgRed).Fprintf(w, "Crank counters broke continuity %d times.\n", r.Discontinuities)
	}
}

func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
