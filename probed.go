package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"

	"probed/pkg/config"
	"probed/pkg/metrics"
	"probed/pkg/packet"
	"probed/pkg/probe"
	"probed/pkg/session"
	"probed/pkg/socket"
	"probed/pkg/tstamp"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

type Flags struct {
	config     string
	metrics    string
	mode       string
	maxSamples int
	maxSpread  float64
}

func main() {
	var flags Flags
	cmd := &cobra.Command{
		Use:   "probed",
		Short: "Timestamped UDP latency probe",
		Long: `probed answers pings from its peers and, when a target is configured,
pings it and measures the round trip with the best timestamps the
interface offers. SIGHUP reloads the settings, SIGUSR1 prints a summary.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mainErr(cmd.Context(), flags)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.config, "config", "c", "settings.yaml", "settings file")
	f.StringVar(&flags.metrics, "metrics", "", "address to serve prometheus metrics on, disabled when empty")
	f.StringVar(&flags.mode, "mode", "summary", "output mode: raw, sample or summary")
	f.IntVar(&flags.maxSamples, "max-samples", 1000, "maximum number of samples in the running statistics")
	f.Float64Var(&flags.maxSpread, "max-spread", 3, "max spread of samples to be considered valid (after max-samples), as a factor of the standard deviation")

	log.SetHandler(cli.Default)
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("probed")
	}
}

func randomID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(os.Getpid())
	}
	return binary.BigEndian.Uint32(b[:])
}

func mainErr(ctx context.Context, flags Flags) error {
	settings, err := config.Load(flags.config)
	if err != nil {
		return err
	}
	snap, err := settings.Snapshot()
	if err != nil {
		log.WithError(err).Warn("invalid settings, using defaults")
	}

	fd, err := socket.Open(snap.Port)
	if err != nil {
		return fmt.Errorf("opening port %d: %w", snap.Port, err)
	}
	conn := packet.NewConn(fd, tstamp.NewSource(tstamp.System{}, log.Log))
	defer conn.Close()

	store := session.New(session.Config{TTL: snap.SessionTTL}, log.Log)
	printer := NewPrinter(os.Stdout, flags.mode, flags.maxSamples, flags.maxSpread)

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, unix.SIGHUP, unix.SIGUSR1)
	defer signal.Stop(signals)

	if flags.metrics != "" {
		go func() {
			if err := metrics.Serve(ctx, flags.metrics); err != nil {
				log.WithError(err).Error("metrics server")
			}
		}()
	}

	engine := probe.New(probe.Options{
		Conn:      conn,
		Settings:  settings,
		Store:     store,
		Logger:    log.Log,
		ID:        randomID(),
		OnResult:  printer.Result,
		OnSummary: printer.Summary,
		OnReload: func(snap config.Snapshot) {
			if snap.Debug {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
			log.WithFields(log.Fields{
				"port":      snap.Port,
				"interface": snap.Interface,
				"timestamp": conn.Mode(),
				"target":    snap.Target,
				"pps":       snap.PPS,
			}).Info("settings in use")
		},
	})
	return engine.Run(ctx, signals)
}
