// Command psdiscover connects to a power station, runs the adaptive
// register scanner over it, and persists what it finds. Without a real
// OS/browser BLE binding available, it demonstrates the library against
// an in-process mock device; swapping in a production GATTDevice
// implementation (e.g. backed by tinygo.org/x/bluetooth) requires no
// change to anything below NewClient.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeflow/psdiscover/internal/ble"
	"github.com/edgeflow/psdiscover/internal/blemock"
	"github.com/edgeflow/psdiscover/internal/config"
	psdcrypto "github.com/edgeflow/psdiscover/internal/crypto"
	"github.com/edgeflow/psdiscover/internal/logger"
	"github.com/edgeflow/psdiscover/internal/scanner"
	"github.com/edgeflow/psdiscover/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Version is the CLI's own version string, independent of the library.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to ./configs/config.yaml, ./config.yaml or ~/.psdiscover/config.yaml)")
	deviceID := flag.String("device-id", "mock-station-1", "identifier of the device to scan")
	protocolVersion := flag.Int("protocol-version", 1, "device protocol version, used to pick the default scan range")
	start := flag.Int("start", -1, "explicit scan range start (overrides the protocol-version default)")
	end := flag.Int("end", -1, "explicit scan range end, exclusive (overrides the protocol-version default)")
	timeout := flag.Duration("timeout", 0, "overall operation timeout (0 = no deadline)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	loggerCfg := logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format, LogDir: cfg.Logger.LogDir}
	if loggerCfg.Level == "" {
		loggerCfg = logger.DefaultConfig()
	}
	if err := logger.Init(loggerCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	// Each invocation gets its own session ID so log lines from one scan
	// run can be grepped out of a shared log file.
	sessionID := uuid.NewString()
	log := logger.Get().With(zap.String("session_id", sessionID))

	fmt.Println("psdiscover - power station MODBUS-over-BLE discovery client")
	fmt.Printf("  version: %s\n", Version)
	fmt.Printf("  device:  %s\n", *deviceID)
	fmt.Printf("  session: %s\n", sessionID)
	fmt.Println()

	store, err := storage.New(storage.Config{Type: storage.BackendSQLite, Path: cfg.Storage.Path})
	if err != nil {
		log.Fatal("opening result store", zap.Error(err))
	}
	defer store.Close()

	ctx := rootContext()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	client, err := buildClient(cfg, *deviceID, log)
	if err != nil {
		log.Fatal("building BLE client", zap.Error(err))
	}

	if err := client.Connect(ctx); err != nil {
		log.Fatal("connecting", zap.Error(err))
	}
	defer client.Disconnect()

	fmt.Printf("  connected: %v\n", client.IsConnected())
	fmt.Printf("  encrypted: %v\n", client.IsEncrypted())
	fmt.Println()

	scanRange := resolveScanRange(*start, *end, *protocolVersion)
	fmt.Printf("scanning [%d, %d)...\n", scanRange.Start, scanRange.End)

	s := scanner.New(*deviceID, client, store, []scanner.Range{scanRange}, log)
	err = s.Run(ctx, func(p scanner.Progress) {
		fmt.Printf("\rprogress: %d/%d", p.Scanned, p.Total)
	})
	fmt.Println()
	if err != nil {
		log.Fatal("scan failed", zap.Error(err))
	}

	printSummary(ctx, store, *deviceID)
}

func buildClient(cfg *config.Config, deviceID string, log *zap.Logger) (*ble.Client, error) {
	var bundle *psdcrypto.KeyBundle
	if cfg.KeyBundle.Enabled() {
		parsed, err := psdcrypto.ParseKeyBundle(cfg.KeyBundle.SigningKeyHex, cfg.KeyBundle.VerifyKeyHex, cfg.KeyBundle.SharedSecretHex)
		if err != nil {
			return nil, fmt.Errorf("parsing key bundle: %w", err)
		}
		bundle = parsed
	}

	bleCfg := ble.Config{
		ServiceUUID:       valueOr(cfg.BLE.ServiceUUID, ble.ServiceUUID),
		WriteCharUUID:     valueOr(cfg.BLE.WriteCharUUID, ble.WriteCharUUID),
		NotifyCharUUID:    valueOr(cfg.BLE.NotifyCharUUID, ble.NotifyCharUUID),
		ResponseTimeout:   millisOr(cfg.BLE.ResponseTimeoutMS, ble.DefaultResponseTimeout),
		EncryptionWindow:  millisOr(cfg.BLE.EncryptionWindowMS, ble.DefaultEncryptionWindow),
		MTU:               intOr(cfg.BLE.MTU, ble.DefaultMTU),
		MaxRegistersPerRq: intOr(cfg.BLE.MaxRegistersPerRequest, ble.DefaultMaxRegistersPerRq),
	}

	device := blemock.NewDevice(deviceID, "mock power station",
		[]blemock.AddrRange{{Start: 0, End: 200}},
		[]blemock.AddrRange{{Start: 0, End: 200}},
	)
	return ble.NewClient(device, bundle, bleCfg, log), nil
}

func resolveScanRange(start, end, protocolVersion int) scanner.Range {
	if start >= 0 && end > start {
		return scanner.Range{Start: uint16(start), End: uint16(end)}
	}
	return scanner.DefaultRange(protocolVersion)
}

func printSummary(ctx context.Context, store storage.ResultStore, deviceID string) {
	results, err := store.ListByDevice(ctx, deviceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listing results: %v\n", err)
		return
	}

	readable := 0
	for _, r := range results {
		if r.Readable {
			readable++
		}
	}
	fmt.Printf("scanned %d registers, %d readable, %d unreadable\n", len(results), readable, len(results)-readable)
}

// rootContext is cancelled on SIGINT/SIGTERM so a long-running scan can
// be interrupted cleanly, leaving already-persisted results intact.
func rootContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func millisOr(v int, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
