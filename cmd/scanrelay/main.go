package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/mzyy94/scanrelay/internal/device"
	"github.com/mzyy94/scanrelay/internal/esclbridge"
	"github.com/mzyy94/scanrelay/internal/relay"
	"github.com/mzyy94/scanrelay/internal/scanjob"
	"github.com/mzyy94/scanrelay/internal/store"
	"github.com/mzyy94/scanrelay/internal/webui"
	"github.com/mzyy94/scanrelay/internal/wire"
)

func main() {
	fs := ff.NewFlagSet("scanrelay")
	var (
		mode     = fs.StringLong("mode", "serve", "Operating mode: 'serve' shares the scanner, 'scan' requests one from a peer")
		logLevel = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")

		// serve mode
		dbPath   = fs.StringLong("db", "scanrelay.db", "Settings database path")
		port     = fs.IntLong("port", 7605, "Relay listen port (0 picks an ephemeral port)")
		name     = fs.StringLong("name", "", "mDNS instance name (defaults to the device model)")
		token    = fs.StringLong("pairing-token", "", "Pairing token remote clients must present")
		esclPort = fs.IntLong("escl-port", 0, "eSCL bridge HTTP port (0 disables the bridge)")
		webPort  = fs.IntLong("web-port", 0, "Management API HTTP port (0 disables it)")
		simPages = fs.IntLong("sim-pages", 3, "Pages per feeder scan of the simulated device")
		ocrLangs = fs.StringLong("ocr-languages", "", "Comma-separated OCR languages for searchable PDFs")

		// scan mode
		peerAddr   = fs.StringLong("peer", "", "Peer address host:port (empty discovers one via mDNS)")
		presetName = fs.StringLong("preset", "", "Preset name to request (empty uses the peer's default)")
		outDir     = fs.StringLong("out", ".", "Directory for received documents")
		searchable = fs.BoolLong("searchable", "Request searchable PDFs (OCR runs on the scanning host)")
		single     = fs.BoolLong("single", "Deliver all pages as a single document")
		timeout    = fs.DurationLong("timeout", 180*time.Second, "How long to wait for the remote scan")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCANRELAY"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch *mode {
	case "serve":
		err = runServe(ctx, serveConfig{
			dbPath:   *dbPath,
			port:     *port,
			name:     *name,
			token:    *token,
			esclPort: *esclPort,
			webPort:  *webPort,
			simPages: *simPages,
			ocrLangs: *ocrLangs,
		})
	case "scan":
		err = runScan(ctx, scanConfig{
			peerAddr:   *peerAddr,
			presetName: *presetName,
			outDir:     *outDir,
			searchable: *searchable,
			single:     *single,
			token:      *token,
			timeout:    *timeout,
		})
	default:
		err = fmt.Errorf("unknown mode %q, want 'serve' or 'scan'", *mode)
	}
	if err != nil {
		slog.Error("scanrelay failed", "mode", *mode, "err", err)
		os.Exit(1)
	}
}

type serveConfig struct {
	dbPath   string
	port     int
	name     string
	token    string
	esclPort int
	webPort  int
	simPages int
	ocrLangs string
}

// runServe connects the scanner, starts the relay transport, and
// optionally the eSCL bridge, then blocks until shutdown.
func runServe(ctx context.Context, cfg serveConfig) error {
	st, err := store.Open(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer st.Close()

	driver := &device.SimDriver{PageCount: cfg.simPages}
	session := device.NewSession(driver, device.Config{})

	devices, err := session.Discover(ctx, nil)
	if err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no scanning device found")
	}
	if err := session.Connect(ctx, devices[0]); err != nil {
		return fmt.Errorf("connect to %s: %w", devices[0].ID, err)
	}
	defer session.Disconnect()

	processor := &scanjob.Processor{}
	if cfg.ocrLangs != "" {
		processor.Languages = strings.Split(cfg.ocrLangs, ",")
	}
	orch := scanjob.New(session, st, processor, nil)

	srv := relay.NewServer(orch, relay.ServerOptions{Port: cfg.port, PairingToken: cfg.token})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Shutdown()

	instance := cfg.name
	if instance == "" {
		instance = session.Capabilities().Model
	}
	if err := srv.Advertise(instance); err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.esclPort > 0 {
		adapter := esclbridge.NewAdapter(orch, session.Capabilities())
		httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.esclPort),
			Handler: logMiddleware(esclbridge.NewHandler(adapter)),
		}

		mdns, err := zeroconf.Register(
			instance,
			"_uscan._tcp",
			"local.",
			cfg.esclPort,
			[]string{
				"txtvers=1",
				"ty=" + instance,
				"pdl=application/pdf,image/jpeg",
				"cs=color,grayscale,binary",
				"is=adf",
				"duplex=T",
				"rs=eSCL",
			},
			nil,
		)
		if err != nil {
			return fmt.Errorf("eSCL mDNS registration: %w", err)
		}
		defer mdns.Shutdown()

		go func() {
			slog.Info("eSCL bridge starting", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error("eSCL bridge error", "err", err)
			}
		}()
	}

	var webServer *http.Server
	if cfg.webPort > 0 {
		webServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.webPort),
			Handler: logMiddleware(webui.NewHandler(session, orch, st)),
		}
		go func() {
			slog.Info("management API starting", "addr", webServer.Addr)
			if err := webServer.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error("management API error", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("eSCL bridge shutdown error", "err", err)
		}
	}
	if webServer != nil {
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("management API shutdown error", "err", err)
		}
	}
	return nil
}

type scanConfig struct {
	peerAddr   string
	presetName string
	outDir     string
	searchable bool
	single     bool
	token      string
	timeout    time.Duration
}

// runScan requests one scan from a peer and writes the documents it
// returns to the output directory.
func runScan(ctx context.Context, cfg scanConfig) error {
	addr := cfg.peerAddr
	if addr == "" {
		slog.Info("discovering scan peer...")
		peer, err := relay.FindPeer(ctx, 10*time.Second)
		if err != nil {
			return err
		}
		slog.Info("peer found", "name", peer.Name, "addr", peer.Addr)
		addr = peer.Addr
	}

	client, err := relay.Dial(ctx, addr, relay.ClientOptions{
		Timeout: cfg.timeout,
		OnStatus: func(msg string) {
			slog.Info("peer status", "message", msg)
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Scan(ctx, wireRequest(cfg))
	if err != nil {
		return fmt.Errorf("remote scan: %w", err)
	}
	slog.Info("scan received", "documents", len(res.Documents), "bytes", res.TotalBytes)
	return scanjob.SaveResult(cfg.outDir, res)
}

func wireRequest(cfg scanConfig) wire.ScanRequest {
	return wire.ScanRequest{
		PresetName:          cfg.presetName,
		SearchablePDF:       cfg.searchable,
		ForceSingleDocument: cfg.single,
		PairingToken:        cfg.token,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
