package playbridge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

var programLevel = new(slog.LevelVar)

// ParseConfig reads the command line. The renderer UID can also be given as
// the only positional argument.
func ParseConfig() Config {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})))

	config, err := parseFlags(os.Args[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("Invalid arguments", "error", err)
		os.Exit(2)
	}

	if config.Debug {
		programLevel.Set(slog.LevelDebug)
	}
	return config
}

func parseFlags(args []string, output io.Writer) (Config, error) {
	flags := flag.NewFlagSet("playbridge", flag.ContinueOnError)
	flags.SetOutput(output)

	receiverAddress := flags.String("receiverAddress", "192.168.2.23", "Receiver IP address or host name")
	receiverPort := flags.Int("receiverPort", DefaultReceiverPort, "Receiver control port")
	receiverInput := flags.String("receiverInput", "AV1", "Receiver input the renderer is connected to, e.g. AV1, HDMI2, AUDIO1")
	receiverVolume := flags.String("receiverVolume", "-20.0", "Volume set on power on (empty leaves it alone)")
	receiverSoundProgram := flags.String("receiverSoundProgram", "5ch Stereo", "Sound program set on power on (empty leaves it alone)")
	rendererUID := flags.String("rendererUID", "", "UID of the renderer to follow, e.g. RINCON_000E58000001")
	callbackAddress := flags.String("callbackAddress", DefaultCallbackAddress, "Listen address for renderer notifications and /metrics")
	eventWait := flags.Duration("eventWait", DefaultEventWait, "Longest wait for a renderer event before checking for shutdown")
	mqttBroker := flags.String("mqttBroker", "", "MQTT broker URL for status publishing (empty disables)")
	mqttTopicPrefix := flags.String("mqttTopicPrefix", "", "MQTT topic prefix")
	mqttUserName := flags.String("mqttUserName", "", "MQTT username")
	mqttPasswordFile := flags.String("mqttPasswordFile", "", "MQTT password file")
	metricsAddress := flags.String("metricsAddress", "", "VictoriaMetrics address to push metrics to (empty disables)")
	metricsRealm := flags.String("metricsRealm", "playbridge", "Realm label on pushed metrics")
	help := flags.Bool("help", false, "Print help")
	debug := flags.Bool("debug", false, "Debug logging")
	dryRun := flags.Bool("dry_run", false, "Dry run (do not write to the receiver)")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if *help {
		printHelp(flags)
		return Config{}, flag.ErrHelp
	}

	uid := *rendererUID
	switch flags.NArg() {
	case 0:
	case 1:
		if uid == "" {
			uid = flags.Arg(0)
		}
	default:
		return Config{}, fmt.Errorf("expected at most one renderer UID, got %d arguments", flags.NArg())
	}

	volume, err := parseVolume(*receiverVolume)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		CallbackAddress:      *callbackAddress,
		Debug:                *debug,
		DryRun:               *dryRun,
		EventWait:            *eventWait,
		MetricsAddress:       *metricsAddress,
		MetricsRealm:         *metricsRealm,
		MQTTBroker:           *mqttBroker,
		MQTTPasswordFile:     *mqttPasswordFile,
		MQTTTopicPrefix:      *mqttTopicPrefix,
		MQTTUserName:         *mqttUserName,
		ReceiverAddress:      *receiverAddress,
		ReceiverInput:        *receiverInput,
		ReceiverPort:         *receiverPort,
		ReceiverSoundProgram: *receiverSoundProgram,
		ReceiverVolume:       volume,
		RendererUID:          uid,
	}
	return config, config.Validate()
}

func parseVolume(value string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	volume, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver volume %q: %w", value, err)
	}
	return &volume, nil
}

func printHelp(flags *flag.FlagSet) {
	fmt.Fprintln(flags.Output(), "Usage: playbridge [OPTIONS] [RENDERER_UID]")
	fmt.Fprintln(flags.Output(), "Options:")
	flags.PrintDefaults()
}

// StartPlaybridge runs until SIGTERM or interrupt and returns the error that
// stopped it, if any.
func StartPlaybridge(config Config) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case sig := <-c:
			slog.Info("Signal caught, exiting gracefully", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("Starting playbridge",
		"receiver", config.ReceiverAddress,
		"input", config.ReceiverInput,
		"soundProgram", config.ReceiverSoundProgram,
		"rendererUID", config.RendererUID,
		"dryRun", config.DryRun)
	err := runPlaybridge(ctx, config)
	if err != nil {
		slog.Error("Error running playbridge", "error", err)
		return err
	}
	slog.Info("Shut down playbridge")
	return nil
}
