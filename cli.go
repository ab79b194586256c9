package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/linht/lora-manager/plugins"
	"github.com/urfave/cli"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Value: "config.yaml",
		Usage: "Path to the YAML configuration (~ is expanded)",
	},
}

var COMMANDS = []cli.Command{
	{
		Name:   "serve",
		Usage:  "Start the HTTP API (default)",
		Action: serveCommand,
	},
	{
		Name:   "probe",
		Usage:  "Initialize the radio and print its version, mode and RSSI",
		Action: probeCommand,
	},
	{
		Name:      "send",
		Usage:     "Initialize the radio and transmit one packet",
		ArgsUsage: "<payload>",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "hex, x",
				Usage: "Payload is hex encoded",
			},
			cli.IntFlag{
				Name:  "timeout, t",
				Value: 0,
				Usage: "TxDone wait in milliseconds (default is lora.tx_timeout_ms)",
			},
		},
		Action: sendCommand,
	},
}

// prepare loads the configuration and installs logging for a command.
func prepare(ctx *cli.Context) (io.Closer, error) {
	path := ctx.GlobalString("config")
	if err := loadConfig(path); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	closer, err := setupLogging(config.Log)
	if err != nil {
		return nil, err
	}
	slog.Info("Configuration loaded", "path", path)
	return closer, nil
}

func release(closer io.Closer) {
	if closer != nil {
		closer.Close()
	}
}

func serveCommand(ctx *cli.Context) error {
	closer, err := prepare(ctx)
	if err != nil {
		return err
	}
	defer release(closer)

	return serve()
}

// openRadio opens the configured device and runs the init sequence.
func openRadio() (*plugins.LoRaDevice, uint8, error) {
	if err := plugins.ValidateSPIDevice(config.LoRa.SPIDevice); err != nil {
		return nil, 0, err
	}

	dev, err := plugins.NewLoRaDevice(config.LoRa, slog.Default())
	if err != nil {
		return nil, 0, err
	}

	version, err := dev.Setup(config.LoRa.SyncWord)
	if err != nil {
		dev.Close()
		return nil, 0, err
	}
	return dev, version, nil
}

func probeCommand(ctx *cli.Context) error {
	closer, err := prepare(ctx)
	if err != nil {
		return err
	}
	defer release(closer)

	dev, version, err := openRadio()
	if err != nil {
		return err
	}
	defer dev.Close()

	rssi, err := dev.Radio.RSSI()
	if err != nil {
		return err
	}

	cfg := dev.Radio.Config()
	fmt.Printf("Version:   0x%02X\n", version)
	fmt.Printf("Mode:      %s\n", dev.Radio.Mode())
	fmt.Printf("Frequency: %d MHz\n", cfg.FrequencyMHz)
	fmt.Printf("Modem:     SF%d %s CR %s\n", cfg.SpreadingFactor, cfg.Bandwidth, cfg.CodingRate)
	fmt.Printf("RSSI:      %d dBm\n", rssi)
	for k, v := range dev.Info() {
		fmt.Printf("%-10s %v\n", k+":", v)
	}
	return nil
}

func sendCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "send")
	}

	payload := []byte(ctx.Args().First())
	if ctx.Bool("hex") {
		var err error
		if payload, err = hex.DecodeString(ctx.Args().First()); err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
	}

	closer, err := prepare(ctx)
	if err != nil {
		return err
	}
	defer release(closer)

	timeout := ctx.Int("timeout")
	if timeout <= 0 {
		timeout = config.LoRa.TxTimeoutMs
	}

	dev, _, err := openRadio()
	if err != nil {
		return err
	}
	defer dev.Close()

	start := time.Now()
	if err := dev.Radio.Transmit(context.Background(), payload, timeout); err != nil {
		return err
	}

	fmt.Printf("Sent %d bytes in %s\n", len(payload), time.Since(start).Round(time.Millisecond))
	return nil
}
