package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/trainer-relay/internal/bridge"
	"github.com/lowaak/trainer-relay/internal/events"
	"github.com/lowaak/trainer-relay/internal/governor"
	"github.com/lowaak/trainer-relay/internal/registry"
	"github.com/lowaak/trainer-relay/internal/store"
	"github.com/lowaak/trainer-relay/internal/telemetry"
	"github.com/lowaak/trainer-relay/internal/transport"
)

var adapter = bluetooth.DefaultAdapter

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogFile)

	st, err := store.NewFileStore(cfg.DataDir, logger)
	must("open data dir", err)

	name := cfg.NamePrefix + "-" + deviceSuffix(st, logger)
	logger.Printf("relay: starting as %s", name)

	var sinkWriter io.Writer
	if cfg.TelemetryFile != "" {
		sinkWriter = &lumberjack.Logger{
			Filename:   cfg.TelemetryFile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
		}
	}
	stream := telemetry.NewStream(sinkWriter, logger)
	logger.Printf("relay: telemetry run %s", stream.RunID())

	reg := registry.New(st, cfg.NamePrefix, logger)
	var gov *governor.Governor
	if cfg.GradeLimiter {
		gov = governor.New(st, logger)
	}

	sink := events.NewChannelEvent[transport.Event](false)
	eventCh, unsubscribe := sink.Subscribe(64)
	defer unsubscribe()

	central := transport.NewBLECentral(adapter, sink, logger)
	must("enable BLE stack", central.Enable())

	upstream := transport.NewBLEUpstream(adapter, sink, logger)
	must("register GATT services", upstream.Register())
	must("advertise", upstream.Advertise(name))

	b := bridge.New(central, upstream, reg, gov, stream, logger)
	must("start scanning", b.Start())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runTicker(ctx, sink, cfg.TickInterval)
	go handleSignals(ctx, cancel, sink, cfg.PairClearsSaved, logger)

	b.Run(ctx, eventCh)
	logger.Printf("relay: shut down")
}

func newLogger(logFile string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		})
	}
	return log.New(out, "", log.LstdFlags|log.Lmsgprefix)
}

// deviceSuffix returns the 4 hex character tail of the advertised name. It is
// derived from the machine identity on first run and persisted so the relay
// keeps the same name across restarts.
func deviceSuffix(st store.Store, logger *log.Logger) string {
	if data, err := st.Read(store.KeyNameSuffix); err == nil && len(data) == 4 {
		return string(data)
	}

	seed, err := os.ReadFile("/etc/machine-id")
	if err != nil || len(strings.TrimSpace(string(seed))) == 0 {
		seed = []byte(uuid.NewString())
	}
	h := fnv.New32a()
	h.Write(seed)
	suffix := fmt.Sprintf("%04x", h.Sum32()&0xffff)

	if err := st.Write(store.KeyNameSuffix, []byte(suffix)); err != nil {
		logger.Printf("relay: persist name suffix: %v", err)
	}
	return suffix
}

// runTicker drives housekeeping (purge, connect timeouts, pairing window
// expiry, grade limiter accrual) through the same event stream as the radio.
func runTicker(ctx context.Context, sink *events.ChannelEvent[transport.Event], interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			sink.Notify(transport.TickEvent{At: t})
		}
	}
}

// handleSignals maps process signals to relay actions: SIGUSR1 opens the
// pairing window, SIGUSR2 dumps the device list and grade table, SIGINT and
// SIGTERM stop the relay.
func handleSignals(
	ctx context.Context,
	cancel context.CancelFunc,
	sink *events.ChannelEvent[transport.Event],
	pairClearsSaved bool,
	logger *log.Logger,
) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGUSR1:
				logger.Printf("relay: pairing requested")
				sink.Notify(transport.PairingRequestEvent{ClearSaved: pairClearsSaved})
			case syscall.SIGUSR2:
				sink.Notify(transport.DumpRequestEvent{})
			default:
				logger.Printf("relay: %s received, stopping", sig)
				cancel()
				return
			}
		}
	}
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
