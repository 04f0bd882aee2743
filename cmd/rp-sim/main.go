// Command rp-sim serves a simulated Red Pitaya SCPI endpoint for local
// development without hardware.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/RMahshie/spectrascope/internal/scpi/scpitest"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	opts := scpitest.DefaultOptions()

	addr := pflag.String("addr", "127.0.0.1:5000", "listen address")
	pflag.Float64Var(&opts.SampleRate, "sample-rate", opts.SampleRate, "simulated sample rate in Hz")
	pflag.IntVar(&opts.BufferSize, "buffer", 16384, "samples returned per channel")
	pflag.IntVar(&opts.TriggerAfter, "trigger-after", 2, "status polls answered WAIT before TD")
	pflag.BoolVar(&opts.NeverTrigger, "never-trigger", false, "never report a trigger")
	freqs := pflag.Float64Slice("freq", nil, "tone frequency per channel, starting at channel 1")
	pflag.Parse()

	for i, f := range *freqs {
		sine := opts.Channels[i+1]
		sine.Frequency = f
		if sine.Amplitude == 0 {
			sine.Amplitude = 0.5
		}
		opts.Channels[i+1] = sine
	}

	srv, err := scpitest.Listen(*addr, opts)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start simulator")
	}
	log.Info().
		Str("addr", srv.Addr()).
		Int("buffer", opts.BufferSize).
		Float64("sample_rate", opts.SampleRate).
		Msg("Simulated instrument listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close simulator")
	}
	log.Info().Msg("Simulator stopped")
}
