// Command detlink reads per-frame detection records from the inference
// pipeline and sends one telemetry frame per detection to the flight
// controller over a serial port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/detlink/internal/config"
	"github.com/banshee-data/detlink/internal/db"
	"github.com/banshee-data/detlink/internal/detection"
	"github.com/banshee-data/detlink/internal/monitoring"
	"github.com/banshee-data/detlink/internal/pipeline"
	"github.com/banshee-data/detlink/internal/security"
	"github.com/banshee-data/detlink/internal/serialmux"
	"github.com/banshee-data/detlink/internal/telemetry"
	"github.com/banshee-data/detlink/internal/timeutil"
	"github.com/banshee-data/detlink/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON config file")
	port          = flag.String("port", serialmux.DefaultPortPath, "Serial port connected to the flight controller")
	baud          = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	disableSerial = flag.Bool("disable-serial", false, "Encode and journal frames but do not open a serial port")
	capturePath   = flag.String("capture", "", "Append frames to this file instead of a serial port")
	input         = flag.String("input", "-", "Detection records (NDJSON); - reads stdin")
	listen        = flag.String("listen", config.DefaultDebugListen, "Debug HTTP listen address; empty disables")
	journalPath   = flag.String("journal", "", "sqlite telemetry journal; empty disables")
	systemID      = flag.Int("sysid", int(telemetry.DefaultSystemID), "MAVLink system id")
	componentID   = flag.Int("compid", int(telemetry.DefaultComponentID), "MAVLink component id")
	clamp         = flag.Bool("clamp", false, "Clamp mapped boxes to the frame")
	debugLog      = flag.Bool("debug", false, "Log every detection")
	showVersion   = flag.Bool("version", false, "Print version and exit")
	listPorts     = flag.Bool("list-ports", false, "List serial ports and exit")
)

// applyFlagOverrides copies explicitly set flags onto cfg.
func applyFlagOverrides(cfg *config.Config, set map[string]bool) {
	if set["port"] {
		cfg.SerialPort = port
	}
	if set["baud"] {
		cfg.BaudRate = baud
	}
	if set["disable-serial"] {
		cfg.DisableSerial = disableSerial
	}
	if set["journal"] {
		cfg.JournalPath = journalPath
	}
	if set["listen"] {
		cfg.DebugListen = listen
	}
	if set["sysid"] {
		cfg.SystemID = systemID
	}
	if set["compid"] {
		cfg.ComponentID = componentID
	}
	if set["clamp"] {
		cfg.ClampToFrame = clamp
	}
	if set["debug"] {
		cfg.DebugLogging = debugLog
	}
}

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyFlagOverrides(cfg, set)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openLink(cfg *config.Config) (serialmux.SerialMuxInterface, error) {
	switch {
	case cfg.GetDisableSerial():
		log.Printf("serial disabled: frames will be discarded")
		return serialmux.NewDisabledSerialMux(), nil
	case *capturePath != "":
		if err := security.ValidateOutputPath(*capturePath); err != nil {
			return nil, err
		}
		return serialmux.NewCaptureSerialMux(*capturePath)
	default:
		opts := cfg.GetPortOptions()
		link, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), opts)
		if err != nil {
			return nil, err
		}
		log.Printf("opened %s at %s", cfg.GetSerialPort(), opts)
		return link, nil
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	monitoring.SetDebug(cfg.GetDebugLogging())

	link, err := openLink(cfg)
	if err != nil {
		log.Fatalf("failed to open serial link: %v", err)
	}
	defer link.Close()

	if msg := cfg.GetProbeMessage(); msg != "" {
		if err := link.SendLine(msg); err != nil {
			log.Printf("UART probe failed: %v", err)
		}
	}

	var journal pipeline.Journal
	var journalDB *db.DB
	if path := cfg.GetJournalPath(); path != "" {
		journalDB, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer journalDB.Close()
		journal = journalDB
	}

	processor := pipeline.NewProcessor(pipeline.Options{
		Sink:         link,
		Session:      telemetry.NewSession(cfg.GetSystemID(), cfg.GetComponentID()),
		Clock:        timeutil.RealClock{},
		Journal:      journal,
		Defaults:     cfg.GetGeometry(),
		ClampToFrame: cfg.GetClampToFrame(),
	})
	log.Printf("detlink %s run %s sysid=%d compid=%d", version.Version, processor.RunID(), cfg.GetSystemID(), cfg.GetComponentID())

	if journalDB != nil {
		run, err := journalDB.RecordRun(db.Run{
			RunID:       processor.RunID(),
			Port:        cfg.GetSerialPort(),
			PortOptions: cfg.GetPortOptions().String(),
			SystemID:    cfg.GetSystemID(),
			ComponentID: cfg.GetComponentID(),
			Version:     version.String(),
		})
		if err != nil {
			log.Printf("failed to record run: %v", err)
		} else {
			log.Printf("journal %s: run %s started %s", cfg.GetJournalPath(), run.RunID, run.StartedAt.Format(time.RFC3339))
		}
	}

	in, err := openInput(*input)
	if err != nil {
		log.Fatalf("failed to open input: %v", err)
	}
	defer in.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Read whatever the flight controller sends back for the debug tail.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.ReportStats(ctx, timeutil.RealClock{}, cfg.GetStatsInterval())
	}()

	if addr := cfg.GetDebugListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, addr, link, processor, journalDB)
		}()
	}

	if err := processor.Run(ctx, detection.NewReader(in)); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("input stopped: %v", err)
	}
	stop()

	wg.Wait()
	s := processor.Stats()
	log.Printf("sent %d frames (%d bytes), %d transport errors", s.Sent, s.BytesWritten, s.TransportErrors)
}

func serveDebug(ctx context.Context, addr string, link serialmux.SerialMuxInterface, processor *pipeline.Processor, journalDB *db.DB) {
	mux := http.NewServeMux()
	tsweb.Debugger(mux).KV("Version", version.String())
	link.AttachAdminRoutes(mux)
	processor.AttachAdminRoutes(mux)
	if journalDB != nil {
		journalDB.AttachAdminRoutes(mux)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("debug server force close error: %v", err)
		}
	}
}
