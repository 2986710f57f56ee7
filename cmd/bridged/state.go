package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"btc-bridge/internal/logger"
	"btc-bridge/internal/storage"
	"btc-bridge/pkg/bridge/contract"
	"btc-bridge/pkg/bridge/engine"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a summary of the stored bridge state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		n, store, err := openNode(cfg, newJournalLedger(logger.Global()), nil)
		if err != nil {
			return err
		}
		defer n.Close()

		heights, err := store.Heights()
		if err != nil {
			return err
		}
		b := n.Bridge()
		best := b.BestHeader()
		pending, err := b.StateForReleaseClient()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		if height, ok := n.Height(); ok {
			fmt.Fprintf(w, "native height\t%d\n", height)
		} else {
			fmt.Fprintf(w, "native height\tgenesis\n")
		}
		fmt.Fprintf(w, "stored states\t%d\n", len(heights))
		fmt.Fprintf(w, "best header\t%d %s\n", best.Height, best.Hash)
		fmt.Fprintf(w, "fee per kb\t%s\n", b.FeePerKb())
		fmt.Fprintf(w, "locking cap\t%s\n", b.LockingCap())
		fmt.Fprintf(w, "locked total\t%s\n", b.LockedTotal())
		fmt.Fprintf(w, "federation\t%s (%d of %d)\n", b.FederationAddress(), b.FederationThreshold(), b.FederationSize())
		fmt.Fprintf(w, "federation balance\t%s\n", b.FederationBalance())
		if addr, ok := b.RetiringFederationAddress(); ok {
			fmt.Fprintf(w, "retiring federation\t%s (%d members, expires at %d)\n", addr, b.RetiringFederationSize(), b.RetiringFederationExpiry())
		}
		if hash, err := b.PendingFederationHash(); err == nil {
			fmt.Fprintf(w, "pending federation\t%s (%d members)\n", hash, b.PendingFederationSize())
		}
		fmt.Fprintf(w, "release queue\t%d\n", b.ReleaseQueueSize())
		fmt.Fprintf(w, "awaiting signatures\t%d\n", len(pending))
		return w.Flush()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write a stored state to a snapshot file",
	Long:  `Writes the latest stored state, or the state at --height, to the file or storage.snapshot_file.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		path := cfg.Storage.SnapshotFile
		if len(args) == 1 {
			path = args[0]
		}

		store, err := storage.NewLevelStore(cfg.Storage.Path, logger.Global())
		if err != nil {
			return err
		}
		defer store.Close()

		var snap storage.Snapshot
		if cmd.Flags().Changed("height") {
			snap.Height, _ = cmd.Flags().GetUint64("height")
			snap.State, err = store.LoadAt(snap.Height)
		} else {
			snap.Height, snap.State, err = store.LoadLatest()
		}
		if err != nil {
			return err
		}

		file := storage.NewSnapshotFile(path)
		if err := file.Write(snap); err != nil {
			return err
		}
		logger.Info("Snapshot exported", "path", file.Path(), "height", snap.Height, "bytes", len(snap.State))
		fmt.Fprintf(cmd.OutOrStdout(), "exported height %d to %s\n", snap.Height, file.Path())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load a snapshot file into the state store",
	Long: `Checks that the snapshot restores into a bridge built from the configuration and
stores it as the latest state. Stored states above the snapshot height are discarded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		path := cfg.Storage.SnapshotFile
		if len(args) == 1 {
			path = args[0]
		}

		snap, err := storage.NewSnapshotFile(path).Read()
		if err != nil {
			return err
		}

		bridgeConfig, err := engine.NewConfig(cfg)
		if err != nil {
			return fmt.Errorf("invalid bridge configuration: %w", err)
		}
		bridge, err := engine.NewBridge(bridgeConfig, &engine.Options{Ledger: newJournalLedger(logger.Global())})
		if err != nil {
			return err
		}
		if err := bridge.Restore(snap.State); err != nil {
			return fmt.Errorf("snapshot does not match the configured bridge: %w", err)
		}

		store, err := storage.NewLevelStore(cfg.Storage.Path, logger.Global())
		if err != nil {
			return err
		}
		defer store.Close()

		if latest, _, err := store.LoadLatest(); err == nil && latest > snap.Height {
			logger.Warn("Discarding stored states above snapshot", "latest", latest, "snapshot", snap.Height)
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := store.SaveState(snap.Height, snap.State); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported height %d from %s\n", snap.Height, path)
		return nil
	},
}

var selectorsCmd = &cobra.Command{
	Use:   "selectors",
	Short: "List the bridge operations and their selectors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SELECTOR\tOPERATION\tARGS\tACCESS")
		for _, m := range contract.Methods() {
			access := "write"
			if m.ReadOnly {
				access = "read"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.Selector, m.Name, m.Args, access)
		}
		return w.Flush()
	},
}

func init() {
	exportCmd.Flags().Uint64("height", 0, "Native height of the state to export")
}
