package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"btc-bridge/internal/logger"
	"btc-bridge/internal/storage"
	"btc-bridge/internal/types"
	"btc-bridge/pkg/bridge/contract"
	"btc-bridge/pkg/bridge/engine"
	"btc-bridge/pkg/bridge/events"
	"btc-bridge/pkg/bridge/node"
)

var replayCmd = &cobra.Command{
	Use:   "replay <blocks.yaml>",
	Short: "Execute recorded native blocks against the bridge",
	Long: `Executes the bridge calls of every block in the file in order, runs the collection
tick after each block and stores the state. Blocks at or below the stored height are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		blocks, err := loadBlocks(args[0])
		if err != nil {
			return err
		}

		var metrics *engine.Metrics
		var server *http.Server
		if cfg.Metrics.Enabled {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics = engine.NewMetrics("bridge", reg)
			server = startMetricsServer(cfg.Metrics.ListenAddress, reg)
			defer stopMetricsServer(server)
		}

		ledger := newJournalLedger(logger.Global())
		n, _, err := openNode(cfg, ledger, metrics)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := replay(n, blocks, cmd.OutOrStdout()); err != nil {
			return err
		}
		for _, b := range ledger.Balances() {
			fmt.Fprintf(cmd.OutOrStdout(), "credited %s %s\n", b.Address.Hex(), b.Amount)
		}

		if serve, _ := cmd.Flags().GetBool("serve"); serve && server != nil {
			waitForSignal()
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().Bool("serve", false, "Keep serving metrics after the replay until interrupted")
}

// openNode opens the state store of cfg and starts a node on its latest state.
// Closing the node closes the store.
func openNode(cfg *types.Config, ledger *journalLedger, metrics *engine.Metrics) (*node.Node, *storage.LevelStore, error) {
	bridgeConfig, err := engine.NewConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid bridge configuration: %w", err)
	}
	store, err := storage.NewLevelStore(cfg.Storage.Path, logger.Global())
	if err != nil {
		return nil, nil, err
	}

	nodeConfig := node.DefaultNodeConfig(bridgeConfig)
	nodeConfig.EventTracer = events.NewLogEventTracer(logger.Global())
	nodeConfig.Metrics = metrics
	nodeConfig.Logger = logger.Global()
	nodeConfig.RetainStates = cfg.Storage.KeepStates

	n, err := node.NewNode(nodeConfig, ledger, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return n, store, nil
}

// replay processes blocks above the node's height and prints a line per call.
func replay(n *node.Node, blocks []node.Block, out io.Writer) error {
	names := make(map[contract.Selector]string)
	for _, m := range contract.Methods() {
		names[m.Selector] = m.Name
	}

	height, started := n.Height()
	processed := 0
	for _, block := range blocks {
		if started && block.Number <= height {
			continue
		}
		receipts, tick, err := n.ProcessBlock(block)
		if err != nil {
			return fmt.Errorf("block %d: %w", block.Number, err)
		}
		processed++

		for i, r := range receipts {
			name := "unknown"
			if data := block.Txs[i].Data; len(data) >= contract.SelectorSize {
				var sel contract.Selector
				copy(sel[:], data)
				if nm, ok := names[sel]; ok {
					name = nm
				}
			}
			if r.Err != nil {
				fmt.Fprintf(out, "block %d tx %s %s: error: %v\n", block.Number, r.Tx, name, r.Err)
				continue
			}
			fmt.Fprintf(out, "block %d tx %s %s: %s\n", block.Number, r.Tx, name, hex.EncodeToString(r.Result))
		}
		for _, rel := range tick.Releases {
			fmt.Fprintf(out, "block %d release built %s\n", block.Number, rel.UnsignedHash)
		}
		if tick.Migration != nil {
			fmt.Fprintf(out, "block %d migration built %s\n", block.Number, tick.Migration.UnsignedHash)
		}
		if tick.Expired != nil {
			fmt.Fprintf(out, "block %d retiring federation %s expired\n", block.Number, tick.Expired.Address())
		}
	}

	height, _ = n.Height()
	logger.Info("Replay finished", "processed", processed, "height", height)
	return nil
}

func startMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	logger.Info("Metrics server listening", "address", addr)
	return server
}

func stopMetricsServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
}

func waitForSignal() {
	gracefulStop := make(chan os.Signal, 1)
	signal.Notify(gracefulStop, syscall.SIGTERM, syscall.SIGINT)
	sig := <-gracefulStop
	logger.Warn("Caught signal, exiting", "signal", sig.String())
}
