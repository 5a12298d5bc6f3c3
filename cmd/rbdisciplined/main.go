// Command rbdisciplined disciplines a local rubidium oscillator to a
// GNSS-derived PHC reference: a cobra root command with version and
// config validate/show subcommands, logrus text-formatted logging, and
// an ordered startup/shutdown sequence around the control loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shiwatime/rbdisciplined/internal/adminshell"
	"github.com/shiwatime/rbdisciplined/internal/config"
	"github.com/shiwatime/rbdisciplined/internal/controlloop"
	"github.com/shiwatime/rbdisciplined/internal/discipline/pi"
	"github.com/shiwatime/rbdisciplined/internal/eeprom"
	"github.com/shiwatime/rbdisciplined/internal/gnss"
	"github.com/shiwatime/rbdisciplined/internal/oscillator"
	"github.com/shiwatime/rbdisciplined/internal/phasemeter"
	"github.com/shiwatime/rbdisciplined/internal/phc"
	"github.com/shiwatime/rbdisciplined/internal/statusapi"
	"github.com/shiwatime/rbdisciplined/internal/telemetry"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

var (
	configPath string
	logLevel   string
	version    = "0.1.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rbdisciplined",
		Short: "rbdisciplined disciplines a rubidium oscillator to a GNSS/PHC reference",
		Run:   run,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/rbdisciplined.conf", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rbdisciplined %s\n", version)
			fmt.Printf("Build time: %s\n", buildTime)
			fmt.Printf("Git commit: %s\n", gitCommit)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	validateConfigCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Run:   validateConfig,
	}
	showConfigCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Run:   showConfig,
	}
	configCmd.AddCommand(validateConfigCmd, showConfigCmd)
	rootCmd.AddCommand(versionCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

func run(cmd *cobra.Command, args []string) {
	logger := newLogger()
	logger.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}).Info("rbdisciplined: starting")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config: ", err)
	}
	logger.WithField("config_path", configPath).Info("rbdisciplined: loaded configuration")

	params, store := loadParameters(cfg, logger)

	osc, err := oscillator.New(oscillator.Config{
		Family:        cfg.Oscillator,
		Device:        cfg.OscillatorDevice,
		Baud:          cfg.OscillatorBaud,
		DscConfigPath: cfg.EEPROMDscConfigPath,
		TempTablePath: cfg.EEPROMTempTablePath,
	})
	if err != nil {
		logger.Fatal("failed to construct oscillator driver: ", err)
	}

	dacMin, dacMax := osc.DACWindow()
	engineCfg := engineConfigFromOptions(cfg)
	engine := pi.New(engineCfg, *params, dacMin, dacMax)

	framer := gnss.NewNMEAFramer()
	ref := gnss.New(cfg.GNSSDevice, cfg.GNSSBaud, framer, logger)

	var clk *phc.Clock
	if cfg.Disciplining {
		clk, err = phc.Open(cfg.PTPClock)
		if err != nil {
			logger.Fatal("failed to open ptp clock: ", err)
		}
	}

	var phm *phasemeter.Phasemeter
	if _, ok := osc.(oscillator.PhaseErrorReader); !ok && clk != nil {
		phm = phasemeter.New(clk, logger)
	}

	var publishers []controlloop.Publisher

	var telemetryPub *telemetry.Publisher
	if cfg.Monitoring {
		telemetryPub = telemetry.New(telemetry.Config{ElasticsearchHosts: cfg.ElasticsearchHosts}, logger)
		publishers = append(publishers, telemetryPub)
	}

	var statusSrv *statusapi.Server
	if cfg.HTTPEnable {
		statusSrv = statusapi.New(statusapi.Config{BindHost: cfg.HTTPBindHost, BindPort: cfg.HTTPBindPort}, logger)
		publishers = append(publishers, statusSrv)
	}

	var shellSrv *adminshell.Server
	if cfg.SSHEnable {
		shellSrv = adminshell.New(adminshell.Config{
			BindHost:       cfg.SSHBindHost,
			BindPort:       cfg.SSHBindPort,
			Username:       cfg.SSHUsername,
			Password:       cfg.SSHPassword,
			AuthorizedKeys: cfg.SSHAuthorizedKeys,
			MaxSessions:    cfg.SSHMaxSessions,
		}, logger)
		publishers = append(publishers, shellSrv)
	}

	loopCfg := controlloop.DefaultConfig()
	loopCfg.Disciplining = cfg.Disciplining
	loopCfg.OppositePhaseError = cfg.OppositePhaseError

	loop := controlloop.New(loopCfg, logger, osc, ref, clk, engine, fanoutPublisher(publishers), phm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ref.Run(ctx)

	if statusSrv != nil {
		go func() {
			if err := statusSrv.Start(ctx); err != nil {
				logger.WithError(err).Error("statusapi: server failed")
			}
		}()
	}
	if shellSrv != nil {
		go func() {
			if err := shellSrv.Start(); err != nil {
				logger.WithError(err).Error("adminshell: server failed")
			}
		}()
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(ctx)
	}()

	logger.Info("rbdisciplined: started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("rbdisciplined: received shutdown signal")
	case err := <-loopDone:
		if err != nil {
			logger.WithError(err).Error("rbdisciplined: control loop exited with error")
		}
	}

	logger.Info("rbdisciplined: shutting down")
	cancel()

	if shellSrv != nil {
		if err := shellSrv.Stop(); err != nil {
			logger.WithError(err).Error("adminshell: failed to stop")
		}
	}
	if telemetryPub != nil {
		if err := telemetryPub.Close(); err != nil {
			logger.WithError(err).Error("telemetry: failed to stop")
		}
	}
	if clk != nil {
		if err := clk.Close(); err != nil {
			logger.WithError(err).Error("failed to close ptp clock")
		}
	}

	params2 := engine.GetDisciplininParameters()
	if store != nil {
		if err := store.Write(&params2); err != nil {
			logger.WithError(err).Error("failed to persist disciplining parameters")
		}
	}
	if err := osc.Close(); err != nil {
		logger.WithError(err).Error("failed to close oscillator driver")
	}

	logger.Info("rbdisciplined: stopped")
}

// loadParameters reads the persisted disciplining parameters from the
// configured EEPROM paths, defaulting to a zero-valued (uncalibrated)
// parameter set the first time the daemon runs on a fresh device.
func loadParameters(cfg *config.Config, logger *logrus.Logger) (*types.DiscipliningParameters, *eeprom.Store) {
	if cfg.EEPROMDscConfigPath == "" || cfg.EEPROMTempTablePath == "" {
		logger.Warn("rbdisciplined: no eeprom paths configured, starting uncalibrated")
		return &types.DiscipliningParameters{}, nil
	}

	backend := &eeprom.FileBackend{DscConfigPath: cfg.EEPROMDscConfigPath, TempTablePath: cfg.EEPROMTempTablePath}
	store := eeprom.New(backend)

	params, err := store.Read()
	if err != nil {
		logger.WithError(err).Warn("rbdisciplined: failed to read persisted parameters, starting uncalibrated")
		return &types.DiscipliningParameters{}, store
	}
	return params, store
}

// engineConfigFromOptions builds the engine's option table from the
// config file's forwarded Extra keys.
func engineConfigFromOptions(cfg *config.Config) pi.Config {
	out := pi.DefaultConfig()

	out.CalibrateFirst, _ = cfg.EngineOptionBool("calibrate_first", out.CalibrateFirst)
	out.Debug, _ = cfg.EngineOptionBool("debug", out.Debug)
	if v, err := cfg.EngineOptionInt("fine_stop_tolerance", int(out.FineStopTolerance)); err == nil {
		out.FineStopTolerance = int64(v)
	}
	if v, err := cfg.EngineOptionInt("max_allowed_coarse", int(out.MaxAllowedCoarse)); err == nil {
		out.MaxAllowedCoarse = uint32(v)
	}
	if v, err := cfg.EngineOptionInt("nb_calibration", out.NbCalibration); err == nil {
		out.NbCalibration = v
	}
	if v, err := cfg.EngineOptionInt("phase_jump_threshold_ns", int(out.PhaseJumpThresholdNs)); err == nil {
		out.PhaseJumpThresholdNs = int64(v)
	}
	if v, err := cfg.EngineOptionInt("phase_resolution_ns", int(out.PhaseResolutionNs)); err == nil {
		out.PhaseResolutionNs = int64(v)
	}
	if v, err := cfg.EngineOptionInt("ref_fluctuations_ns", int(out.RefFluctuationsNs)); err == nil {
		out.RefFluctuationsNs = int64(v)
	}
	out.OscillatorFactorySettings, _ = cfg.EngineOptionBool("oscillator_factory_settings", out.OscillatorFactorySettings)

	return out
}

// fanoutPublisher combines zero or more Publisher sinks into one, since
// controlloop.New takes a single Publisher but this daemon may have
// telemetry, statusapi, and adminshell all wanting every tick.
type fanout []controlloop.Publisher

func (f fanout) Publish(s controlloop.Snapshot) {
	for _, p := range f {
		p.Publish(s)
	}
}

func fanoutPublisher(publishers []controlloop.Publisher) controlloop.Publisher {
	if len(publishers) == 0 {
		return nil
	}
	return fanout(publishers)
}

func validateConfig(cmd *cobra.Command, args []string) {
	if _, err := config.LoadConfig(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration is valid")
}

func showConfig(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration loaded from: %s\n", configPath)
	fmt.Printf("Oscillator: %s (device=%s baud=%d)\n", cfg.Oscillator, cfg.OscillatorDevice, cfg.OscillatorBaud)
	fmt.Printf("Disciplining enabled: %t\n", cfg.Disciplining)
	fmt.Printf("PTP clock: %s\n", cfg.PTPClock)
	fmt.Printf("GNSS device: %s (baud=%d)\n", cfg.GNSSDevice, cfg.GNSSBaud)

	if cfg.HTTPEnable {
		fmt.Printf("HTTP status server: enabled on %s:%d\n", cfg.HTTPBindHost, cfg.HTTPBindPort)
	} else {
		fmt.Printf("HTTP status server: disabled\n")
	}

	if cfg.SSHEnable {
		fmt.Printf("SSH admin shell: enabled on %s:%d\n", cfg.SSHBindHost, cfg.SSHBindPort)
	} else {
		fmt.Printf("SSH admin shell: disabled\n")
	}

	fmt.Printf("Monitoring: %t, elasticsearch hosts: %v\n", cfg.Monitoring, cfg.ElasticsearchHosts)
}
