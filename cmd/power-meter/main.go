package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"argus-powermeter/internal/web"
	"argus-powermeter/pkg/ble"
	"argus-powermeter/pkg/config"
	"argus-powermeter/pkg/cps"
	"argus-powermeter/pkg/database"
	"argus-powermeter/pkg/peripheral"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "power-meter",
	Short: "BLE Cycling Power Sensor peripheral",
	Long: `Advertises a Cycling Power Service (0x1818) and notifies Cycling Power
Measurement packets to one subscribed central at a fixed period.

Power comes from a sine generator, a constant value, or a real trainer
connected on a second adapter. A websocket dashboard and a MongoDB
transition journal can be enabled in the config file.`,
	RunE: run,
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

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringP("config", "c", "", "Config file (YAML or JSON); defaults apply when omitted")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
}

func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		// An empty document still picks up the environment fallbacks.
		return config.Decode(strings.NewReader(""))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server, err := ble.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	measurement, err := server.Register()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	source, err := newSource(ctx, g, cfg, logger)
	if err != nil {
		return err
	}

	var observers []peripheral.Observer
	if cfg.Journal.URI != "" {
		journal, closeJournal, err := openJournal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeJournal()
		observers = append(observers, journal.Record)
		g.Go(func() error { return journal.Run(ctx) })
	}

	p := peripheral.New(server, measurement, source, peripheralConfig(cfg), logger, observers...)

	if cfg.Web.Enabled {
		hub := web.NewHub(p.Status, cancel, logger)
		if c, ok := source.(*peripheral.ConstantSource); ok {
			hub.EnablePowerControl(c.Set)
		}
		g.Go(func() error { return hub.Run(ctx, cfg.Web.Addr) })
	}

	g.Go(func() error {
		err := p.Run(ctx, server.Events())
		// Stop the other routines once the peripheral is done.
		cancel()
		return err
	})

	logger.WithFields(logrus.Fields{
		"name":   cfg.DeviceName,
		"period": cfg.UpdatePeriod,
		"source": cfg.Source.Kind,
	}).Info("Power meter running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Power meter stopped")
	return nil
}

func peripheralConfig(cfg *config.AppConfig) peripheral.Config {
	supervisor := peripheral.DefaultSupervisorOptions()
	supervisor.MaxDelay = cfg.Advertising.MaxBackoff

	return peripheral.Config{
		Advertising: peripheral.AdvertisingParams{
			DeviceName:  cfg.DeviceName,
			ServiceUUID: cps.ServiceUUID16,
			Appearance:  cps.AppearanceCyclingPowerSensor,
			IntervalMin: cfg.Advertising.IntervalMin,
			IntervalMax: cfg.Advertising.IntervalMax,
		},
		UpdatePeriod: cfg.UpdatePeriod,
		Supervisor:   supervisor,
	}
}

// newSource builds the configured power source. The trainer source runs
// in g until ctx is done.
func newSource(ctx context.Context, g *errgroup.Group, cfg *config.AppConfig, logger logrus.FieldLogger) (peripheral.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceSine:
		return peripheral.NewSineSource(cfg.Source.BaseWatts, cfg.Source.AmplitudeWatts, cfg.Source.Cycle), nil
	case config.SourceConstant:
		return peripheral.NewConstantSource(cfg.Source.ConstantWatts), nil
	case config.SourceTrainer:
		trainer := ble.NewTrainerSource(cfg.Source.TrainerMAC, cfg.Source.ClientAdapter, logger)
		g.Go(func() error { return trainer.Run(ctx) })
		return trainer, nil
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", config.ErrInvalidConfig, cfg.Source.Kind)
	}
}

func openJournal(ctx context.Context, cfg *config.AppConfig, logger logrus.FieldLogger) (*database.Journal, func(), error) {
	client, err := database.Connect(ctx, cfg.Journal.URI)
	if err != nil {
		return nil, nil, err
	}
	coll := client.Database(cfg.Journal.Database).Collection(cfg.Journal.Collection)
	if _, err := coll.Indexes().CreateMany(ctx, database.Indexes()); err != nil {
		logger.WithError(err).Warn("Failed to create journal indexes")
	}

	journal := database.NewJournal(coll, logger)
	logger.WithField("session", journal.Session()).Info("Journaling transitions to MongoDB")

	closeFn := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.WithError(err).Warn("MongoDB disconnect")
		}
	}
	return journal, closeFn, nil
}
