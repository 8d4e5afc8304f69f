package main

import (
	"context"
	"testing"
	"time"

	"argus-powermeter/pkg/config"
	"argus-powermeter/pkg/cps"
	"argus-powermeter/pkg/peripheral"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "power-meter"}
	cmd.Flags().StringP("config", "c", "", "")
	cmd.Flags().String("log-level", "", "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	logger, err := configureLogger(newTestCmd(t), "warn")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger, err = configureLogger(newTestCmd(t, "--log-level", "debug"), "warn")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel(), "flag overrides config")

	_, err = configureLogger(newTestCmd(t, "--log-level", "loud"), "info")
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MONGODB_URI", "")

	cfg, err := loadConfig(newTestCmd(t))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfigWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://journal:27017")

	cfg, err := loadConfig(newTestCmd(t))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://journal:27017", cfg.Journal.URI)
}

func TestPeripheralConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Advertising.MaxBackoff = 10 * time.Second

	pc := peripheralConfig(cfg)

	assert.Equal(t, cfg.DeviceName, pc.Advertising.DeviceName)
	assert.Equal(t, uint16(cps.ServiceUUID16), pc.Advertising.ServiceUUID)
	assert.Equal(t, uint16(cps.AppearanceCyclingPowerSensor), pc.Advertising.Appearance)
	assert.Equal(t, cfg.UpdatePeriod, pc.UpdatePeriod)
	assert.Equal(t, time.Second, pc.Supervisor.BaseDelay)
	assert.Equal(t, 10*time.Second, pc.Supervisor.MaxDelay)
}

func TestNewSource(t *testing.T) {
	log, _ := test.NewNullLogger()
	g, ctx := errgroup.WithContext(context.Background())

	cfg := config.Default()
	cfg.Source.Kind = config.SourceConstant
	cfg.Source.ConstantWatts = 275
	src, err := newSource(ctx, g, cfg, log)
	require.NoError(t, err)
	assert.Equal(t, int16(275), src.Power())

	cfg.Source.Kind = config.SourceSine
	cfg.Source.Cycle = 0
	src, err = newSource(ctx, g, cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &peripheral.SineSource{}, src)
	assert.Equal(t, cfg.Source.BaseWatts, src.Power())

	cfg.Source.Kind = "dynamo"
	_, err = newSource(ctx, g, cfg, log)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
