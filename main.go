package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/ptgott/mailreport/delivery"
	"github.com/ptgott/mailreport/email"
	"github.com/ptgott/mailreport/userconfig"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes
const (
	exitOK              = 0
	exitError           = 1
	exitDeliveryFailure = 2
)

// headerFlags collects repeated -header flags.
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(v string) error {
	*h = append(*h, v)
	return nil
}

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	// https://github.com/rs/zerolog/blob/7ccd4c940bf8a02fcc5f10e5475f9d3daff04d57/log/log.go#L13
	log.Logger = log.With().Caller().Logger()

	// An interrupt cancels the delivery in progress so the connection is
	// closed before we exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := finish(ctx, log.Logger, run(ctx, os.Args[1:], os.Stdout))
	stop()
	os.Exit(code)
}

// finish logs when run was cut short by an interrupt and returns its exit
// code. Call it before releasing ctx.
func finish(ctx context.Context, logger zerolog.Logger, code int) int {
	if ctx.Err() != nil {
		logger.Info().Int("code", code).Msg("interrupt: exiting")
	}
	return code
}

// run builds and sends one message as configured by args, printing it to
// stdout instead with -dry-run. It returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("mailreport", flag.ContinueOnError)
	configPath := fs.String(
		"config",
		"./config.yaml",
		"path to a YAML file containing your configuration",
	)
	textPath := fs.String(
		"text",
		"",
		"path to the plain text body, overriding message.textFile",
	)
	htmlPath := fs.String(
		"html",
		"",
		"path to the HTML body, overriding message.htmlFile",
	)
	attach := fs.String(
		"attach",
		"",
		"comma-separated paths of files to attach, overriding message.attachments",
	)
	var headers headerFlags
	fs.Var(
		&headers,
		"header",
		`extra "Name: value" header, added after the configured ones (repeatable)`,
	)
	dryRun := fs.Bool(
		"dry-run",
		false,
		"print the message to stdout instead of sending it",
	)
	debug := fs.Bool(
		"debug",
		false,
		"log the SMTP conversation",
	)
	level := fs.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	log.Info().
		Str("configPath", *configPath).
		Msg("starting the application")

	f, err := os.Open(*configPath)

	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("We can't open the application config file")
		return exitError
	}
	defer f.Close()

	config, err := userconfig.Parse(f)

	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		return exitError
	}
	if *textPath != "" {
		config.Message.TextFile = *textPath
	}
	if *htmlPath != "" {
		config.Message.HTMLFile = *htmlPath
	}
	if *attach != "" {
		config.Message.Attachments = strings.Split(*attach, ",")
	}
	config.Message.Headers = append(config.Message.Headers, headers...)

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		return exitError
	}

	log.Info().Str("configPath", *configPath).Msg("successfully validated the config")

	spec, err := checkedConfig.MessageSpec()
	if err != nil {
		log.Error().Err(err).Msg("Problem preparing the message")
		return exitError
	}
	opts, err := checkedConfig.BuilderOptions()
	if err != nil {
		log.Error().Err(err).Msg("Problem preparing the message")
		return exitError
	}

	msg, err := email.NewBuilder(log.Logger, opts...).Build(spec)
	if err != nil {
		log.Error().Err(err).Msg("could not build the message")
		return exitError
	}

	if *dryRun {
		fmt.Fprint(stdout, msg.String())
		return exitOK
	}

	var sendOpts []delivery.SendOption
	if *debug {
		sendOpts = append(sendOpts, delivery.WithDebug())
	}

	_, res, err := delivery.NewSession(checkedConfig.Server, log.Logger).Send(ctx, msg, sendOpts...)
	if err != nil {
		log.Error().Err(err).Msg("could not send the message")
		return exitError
	}

	for _, f := range res.Failures {
		if len(f.PerRecipient()) == 0 {
			log.Error().Str("kind", f.Kind.String()).Int("code", f.Code).Msg(f.Message)
			continue
		}
		for _, r := range f.PerRecipient() {
			log.Warn().
				Str("recipient", r.Email).
				Int("code", r.Code).
				Msg(r.Message)
		}
	}

	if !res.AllSucceeded() {
		return exitDeliveryFailure
	}
	log.Info().Str("messageID", msg.MessageID).Msg("done")
	return exitOK
}
