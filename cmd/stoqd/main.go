// Command stoqd is the reference operational harness for the STOQ
// transport (spec section 6.3): a plain subcommand CLI plus, for the
// long-running bind command, a read-only admin HTTP+WebSocket surface.
//
// It has no out-of-process control channel: update-policy and
// force-adapt operate against an Endpoint freshly bound in the same
// process, since neither the wire protocol nor the admin surface (kept
// read-only per internal/admin) specifies one. Driving these against an
// already-running daemon means embedding pkg/transport directly, which is
// what this harness itself demonstrates.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stoq-io/stoq/internal/admin"
	"github.com/stoq-io/stoq/pkg/adaptive"
	"github.com/stoq-io/stoq/pkg/config"
	"github.com/stoq-io/stoq/pkg/extension"
	"github.com/stoq-io/stoq/pkg/keystore"
	"github.com/stoq-io/stoq/pkg/metrics"
	"github.com/stoq-io/stoq/pkg/stoqerr"
	"github.com/stoq-io/stoq/pkg/transport"
)

// seedDirectoryStaleFactor sets how many staleness-bound intervals a seed
// directory entry survives without a fresh observation before Prune drops
// it; seed observations are far less frequent than adaptive samples, so
// this is deliberately looser than the staleness bound itself.
const seedDirectoryStaleFactor = 6

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s bind <ipv6>:<port> [config.toml]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Binds a listening endpoint and serves until SIGINT.\n\n")
	_, _ = fmt.Fprintf(os.Stderr, "  %s connect <ipv6>:<port>\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Dials a remote endpoint, completes the handshake, and exits.\n\n")
	_, _ = fmt.Fprintf(os.Stderr, "  %s send <ipv6>:<port> <message>|-\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Connects and sends message (or stdin if \"-\") as one payload.\n\n")
	_, _ = fmt.Fprintf(os.Stderr, "  %s recv <ipv6>:<port>\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Binds, accepts one connection, writes the first payload to stdout.\n\n")
	_, _ = fmt.Fprintf(os.Stderr, "  %s close <ipv6>:<port>\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Connects and immediately closes, as a handshake smoke test.\n\n")
	_, _ = fmt.Fprintf(os.Stderr, "  %s update-policy <ipv6>:<port> <max-shard-size>\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Binds and applies a new extension policy to its (empty) connection set.\n\n")
	_, _ = fmt.Fprintf(os.Stderr, "  %s force-adapt <ipv6>:<port> <conn-id> <mbps> <loss> <jitter-ms>\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "      Binds and forces an adaptive pass for conn-id with synthetic conditions.\n\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		printUsage()
	}

	var err error
	switch os.Args[1] {
	case "bind":
		err = cmdBind(os.Args[2:])
	case "connect":
		err = cmdConnect(os.Args[2:])
	case "send":
		err = cmdSend(os.Args[2:])
	case "recv":
		err = cmdRecv(os.Args[2:])
	case "close":
		err = cmdClose(os.Args[2:])
	case "update-policy":
		err = cmdUpdatePolicy(os.Args[2:])
	case "force-adapt":
		err = cmdForceAdapt(os.Args[2:])
	default:
		printUsage()
	}

	os.Exit(exitCode(err))
}

// exitCode maps an error to spec section 6.3's exit codes: 0 success, 1
// protocol error, 2 I/O error, 3 configuration error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	log.WithError(err).Error("command failed")

	if se, ok := err.(*stoqerr.Error); ok {
		switch se.Kind {
		case stoqerr.Io:
			return 2
		case stoqerr.ConfigurationError:
			return 3
		default:
			return 1
		}
	}
	return 1
}

// loadConfig reads path if given, otherwise the documented defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

func openEndpoint(listenAddr string, cfg *config.Config, logger *log.Entry, sink metrics.Sink) (*transport.Endpoint, *keystore.Store, error) {
	ks, err := keystore.Open(cfg.KeyStorePath, listenAddr, logger)
	if err != nil {
		return nil, nil, stoqerr.New(stoqerr.ConfigurationError, "failed to open key store", err)
	}

	policy := extension.DefaultPolicy()
	policy.MaxShardSize = cfg.MaxShardSize
	policy.ReassemblyTimeout = cfg.ReassemblyTimeout
	policy.MaxReassemblyBytes = cfg.MaxReassemblyBytesConn

	ep, err := transport.Bind(listenAddr, transport.Config{
		FalconPolicy:       cfg.FalconPolicy,
		Keys:               ks.ForEndpoint(listenAddr),
		ExtensionPolicy:    policy,
		AdaptiveCooldownMs: cfg.CooldownMs,
		AdaptiveMaxPassMs:  cfg.MaxPassMs,
		Logger:             logger,
		Metrics:            sink,
	})
	if err != nil {
		_ = ks.Close()
		return nil, nil, err
	}
	return ep, ks, nil
}

func cmdBind(args []string) error {
	if len(args) < 1 {
		printUsage()
	}
	listenAddr := args[0]
	configPath := ""
	if len(args) > 1 {
		configPath = args[1]
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := log.WithField("endpoint", listenAddr)
	var sink metrics.Sink = metrics.Noop{}
	mem := metrics.NewMemory()
	if cfg.MetricsEnabled {
		sink = mem
	}

	ep, ks, err := openEndpoint(listenAddr, cfg, logger, sink)
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()

	adminState := endpointStateProvider{ep}
	adminSrv := admin.New(cfg.AdminListenAddr, adminState, mem, logger)
	if err := adminSrv.Serve(); err != nil {
		return stoqerr.New(stoqerr.ConfigurationError, "failed to start admin surface", err)
	}
	defer adminSrv.Close()

	stopAccept := make(chan struct{})
	go acceptLoop(ep, adminSrv, logger, stopAccept)

	stopPass := make(chan struct{})
	go adaptivePassLoop(ep, adminSrv, cfg.SampleInterval, cfg.StalenessBound, stopPass)

	logger.WithField("admin_addr", cfg.AdminListenAddr).Info("stoqd bound, waiting for shutdown")
	waitSigint()
	logger.Info("shutting down")

	close(stopAccept)
	close(stopPass)
	return nil
}

func acceptLoop(ep *transport.Endpoint, adminSrv *admin.Server, logger *log.Entry, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		conn, err := ep.Accept(ctx)
		cancel()
		if err != nil {
			continue
		}
		logger.WithField("conn_id", conn.ID()).Info("accepted connection")
		adminSrv.Broadcast("connection_accepted", map[string]uint64{"conn_id": conn.ID()})
	}
}

func adaptivePassLoop(ep *transport.Endpoint, adminSrv *admin.Server, sampleInterval, stalenessBound time.Duration, stop chan struct{}) {
	if sampleInterval <= 0 {
		sampleInterval = adaptive.DefaultSampleInterval
	}
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			updates := ep.RunAdaptivePass(stalenessBound)
			for connID, params := range updates {
				adminSrv.Broadcast("tier_change", map[string]any{"conn_id": connID, "params": params})
			}
			ep.SeedDirectory().Prune(stalenessBound * seedDirectoryStaleFactor)
		}
	}
}

// waitSigint blocks until the process receives SIGINT.
func waitSigint() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
}

func cmdConnect(args []string) error {
	if len(args) < 1 {
		printUsage()
	}
	ep, ks, conn, err := dialEphemeral(args[0])
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()

	fmt.Printf("connected, conn_id=%d\n", conn.ID())
	return conn.Close("cli connect smoke test complete")
}

func cmdSend(args []string) error {
	if len(args) < 2 {
		printUsage()
	}
	remote, messageArg := args[0], args[1]

	var payload []byte
	var err error
	if messageArg == "-" {
		payload, err = io.ReadAll(bufio.NewReader(os.Stdin))
	} else {
		payload = []byte(messageArg)
	}
	if err != nil {
		return stoqerr.New(stoqerr.Io, "failed to read payload", err)
	}

	ep, ks, conn, err := dialEphemeral(remote)
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Send(ctx, payload); err != nil {
		return err
	}
	return conn.Close("payload delivered")
}

func cmdRecv(args []string) error {
	if len(args) < 1 {
		printUsage()
	}
	listenAddr := args[0]

	cfg := config.Default()
	ep, ks, err := openEndpoint(listenAddr, &cfg, log.WithField("endpoint", listenAddr), metrics.Noop{})
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := ep.Accept(ctx)
	if err != nil {
		return err
	}

	payload, err := conn.Recv(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stdout.Write(payload); err != nil {
		return stoqerr.New(stoqerr.Io, "failed to write payload to stdout", err)
	}
	return conn.Close("payload received")
}

func cmdClose(args []string) error {
	if len(args) < 1 {
		printUsage()
	}
	ep, ks, conn, err := dialEphemeral(args[0])
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()
	return conn.Close("cli close command")
}

func cmdUpdatePolicy(args []string) error {
	if len(args) < 2 {
		printUsage()
	}
	listenAddr := args[0]
	maxShardSize, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return stoqerr.New(stoqerr.ConfigurationError, "max-shard-size must be an unsigned integer", err)
	}

	cfg := config.Default()
	ep, ks, err := openEndpoint(listenAddr, &cfg, log.WithField("endpoint", listenAddr), metrics.Noop{})
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()

	policy := extension.DefaultPolicy()
	policy.MaxShardSize = maxShardSize
	ep.UpdateLiveConfig(policy)

	fmt.Printf("live policy updated, max_shard_size=%d\n", maxShardSize)
	return nil
}

func cmdForceAdapt(args []string) error {
	if len(args) < 5 {
		printUsage()
	}
	listenAddr := args[0]
	connID, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return stoqerr.New(stoqerr.ConfigurationError, "conn-id must be an unsigned integer", err)
	}
	mbps, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return stoqerr.New(stoqerr.ConfigurationError, "mbps must be a number", err)
	}
	loss, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return stoqerr.New(stoqerr.ConfigurationError, "loss must be a number", err)
	}
	jitter, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return stoqerr.New(stoqerr.ConfigurationError, "jitter-ms must be a number", err)
	}

	cfg := config.Default()
	ep, ks, err := openEndpoint(listenAddr, &cfg, log.WithField("endpoint", listenAddr), metrics.Noop{})
	if err != nil {
		return err
	}
	defer ks.Close()
	defer ep.Close()

	cond := adaptive.NetworkConditions{
		ThroughputMbps: mbps,
		PacketLoss:     loss,
		JitterMs:       jitter,
		LastUpdated:    time.Now(),
	}
	if err := ep.ForceAdapt(connID, cond); err != nil {
		return err
	}

	fmt.Printf("forced adaptive pass for conn_id=%d\n", connID)
	return nil
}

// dialEphemeral binds a local endpoint on an unused port and connects it
// to remote, returning both so the caller can close them in order.
func dialEphemeral(remote string) (*transport.Endpoint, *keystore.Store, *transport.Connection, error) {
	cfg := config.Default()
	cfg.ListenAddr = "[::1]:0"

	ep, ks, err := openEndpoint(cfg.ListenAddr, &cfg, log.WithField("remote", remote), metrics.Noop{})
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := ep.Connect(ctx, remote)
	if err != nil {
		_ = ks.Close()
		_ = ep.Close()
		return nil, nil, nil, err
	}
	return ep, ks, conn, nil
}

// endpointStateProvider adapts transport.Endpoint to admin.StateProvider.
type endpointStateProvider struct {
	ep *transport.Endpoint
}

func (p endpointStateProvider) Connections() []admin.ConnectionSnapshot {
	infos := p.ep.Snapshot()
	out := make([]admin.ConnectionSnapshot, len(infos))
	for i, info := range infos {
		out[i] = admin.ConnectionSnapshot{ID: info.ID, Tier: info.Tier, Params: info.Params}
	}
	return out
}
