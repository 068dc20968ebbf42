package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/api"
	"github.com/lorawan-node/lorawan-node/internal/config"
	"github.com/lorawan-node/lorawan-node/internal/integration"
	"github.com/lorawan-node/lorawan-node/internal/mac"
	"github.com/lorawan-node/lorawan-node/internal/radio"
	"github.com/lorawan-node/lorawan-node/internal/region"
)

// updateInterval paces the cooperative MAC tick; the RX-window timing
// tolerance assumes ≤100 ms.
const updateInterval = 100 * time.Millisecond

func main() {
	var (
		configPath  = flag.String("config", "config.json", "configuration file path (.json or .yml)")
		forceReset  = flag.Bool("reset", false, "force LoRaWAN session reset and rejoin")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
		oneChannel  = flag.Bool("one-channel", false, "single-channel mode (channel 0, SF9, BW125)")
		spiType     = flag.String("spi", "", "SPI type: 'linux' or 'ch341' (overrides config)")
		spiDevice   = flag.String("device", "", "Linux SPI device path (overrides config)")
		deviceIndex = flag.Int("device-index", -1, "CH341 device index (overrides config)")
		spiSpeed    = flag.Int64("speed", 0, "SPI bus speed in Hz (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("loading configuration failed")
	}

	// Command line overrides.
	if *spiType != "" {
		cfg.Connection.SPIType = *spiType
	}
	if *spiDevice != "" {
		cfg.Connection.SPIDevice = *spiDevice
	}
	if *deviceIndex >= 0 {
		cfg.Connection.DeviceIndex = *deviceIndex
	}
	if *spiSpeed > 0 {
		cfg.Connection.SPISpeed = *spiSpeed
	}
	if *oneChannel {
		cfg.Network.SingleChannel = true
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	reset := *forceReset || cfg.Options.ForceReset
	if cfg.Options.Verbose {
		cfg.Log.Level = "debug"
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	bus, err := radio.OpenSPI(cfg.Connection.SPIType, cfg.Connection.SPIDevice,
		cfg.Connection.DeviceIndex, cfg.Connection.SPISpeed)
	if err != nil {
		log.Fatal().Err(err).Msg("opening SPI bus failed")
	}
	defer bus.Close()

	rdo := radio.NewSX127x(bus)
	if err := rdo.Init(); err != nil {
		log.Fatal().Err(err).Msg("radio initialization failed")
	}

	macOpts := mac.Options{
		Region:            region.Name(cfg.Network.Region),
		SessionPath:       cfg.Network.SessionFile,
		BlockOnDutyCycle:  true,
		SingleChannel:     cfg.Network.SingleChannel,
		SingleChannelFreq: cfg.Network.SingleChannelFreq,
		SingleChannelSF:   cfg.Network.SingleChannelSF,
		SingleChannelBW:   cfg.Network.SingleChannelBW,
		ReceiveDelay1:     time.Duration(cfg.Network.RX1DelayMs) * time.Millisecond,
	}
	if cfg.Network.RX2DataRate >= 0 {
		rx2DR := cfg.Network.RX2DataRate
		macOpts.RX2DataRate = &rx2DR
	}

	dev, err := mac.New(rdo, macOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("MAC core construction failed")
	}

	if err := dev.Init(); err != nil {
		log.Fatal().Err(err).Msg("MAC initialization failed")
	}

	if err := configureCredentials(dev, &cfg.Device); err != nil {
		log.Fatal().Err(err).Msg("invalid device credentials")
	}

	dev.OnReceive(func(msg mac.Message) {
		log.Info().
			Uint8("port", msg.Port).
			Bool("confirmed", msg.Confirmed).
			Hex("payload", msg.Payload).
			Msg("application downlink")
	})

	pub := integration.New(cfg.Integration, cfg.Device.DevEUI)
	defer pub.Close()
	dev.OnEvent(pub.Handler(func() string { return dev.DevAddr().String() }))

	joinMode := mac.OTAA
	if cfg.Device.DevAddr != "" && cfg.Device.NwkSKey != "" && cfg.Device.AppSKey != "" {
		joinMode = mac.ABP
	}

	if reset {
		resetAndRejoin(dev, &cfg.Device, joinMode)
	} else if err := dev.Join(joinMode, 20*time.Second); err != nil {
		log.Warn().Err(err).Msg("join failed, forcing reset and rejoin")
		resetAndRejoin(dev, &cfg.Device, joinMode)
	}

	if !dev.Joined() {
		log.Fatal().Msg("device could not join the network")
	}

	if cfg.Network.DeviceClass == "C" || cfg.Network.DeviceClass == "c" {
		if err := dev.SetDeviceClass(mac.ClassC); err != nil {
			log.Error().Err(err).Msg("switching to Class C failed")
		}
	}
	dev.EnableADR(cfg.Network.ADR)

	if err := dev.RequestLinkCheck(); err != nil {
		log.Warn().Err(err).Msg("link check request failed")
	}

	n := &node{
		dev:    dev,
		cfg:    cfg,
		region: cfg.Network.Region,
		cmds:   make(chan func(), 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.API.Enabled {
		srv := api.NewServer(n)
		go func() {
			if err := srv.ListenAndServe(cfg.API.Host, cfg.API.Port); err != nil {
				log.Error().Err(err).Msg("API server failed")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 3*time.Second)
			defer c()
			srv.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	n.run(ctx)

	log.Info().Msg("lorawan-node stopped")
}

// configureCredentials loads OTAA and optional ABP material, always
// hex-decoded.
func configureCredentials(dev *mac.Device, dc *config.DeviceConfig) error {
	if err := dev.SetDevEUI(dc.DevEUI); err != nil {
		return err
	}
	if err := dev.SetAppEUI(dc.AppEUI); err != nil {
		return err
	}
	if err := dev.SetAppKey(dc.AppKey); err != nil {
		return err
	}

	if dc.DevAddr != "" {
		if err := dev.SetDevAddr(dc.DevAddr); err != nil {
			return err
		}
	}
	if dc.NwkSKey != "" {
		if err := dev.SetNwkSKey(dc.NwkSKey); err != nil {
			return err
		}
	}
	if dc.AppSKey != "" {
		if err := dev.SetAppSKey(dc.AppSKey); err != nil {
			return err
		}
	}
	return nil
}

// resetAndRejoin wipes the stored session and forces a fresh activation.
func resetAndRejoin(dev *mac.Device, dc *config.DeviceConfig, mode mac.JoinMode) {
	log.Info().Msg("forcing new activation")

	if err := dev.ResetSession(); err != nil {
		log.Error().Err(err).Msg("session reset failed")
	}
	if err := configureCredentials(dev, dc); err != nil {
		log.Fatal().Err(err).Msg("invalid device credentials")
	}
	if err := dev.Join(mode, 20*time.Second); err != nil {
		log.Error().Err(err).Msg("join failed")
	}
}
