package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store"
)

// medlinkctl inspects a medlink data directory offline: schema version,
// raw keys, and the state of the outbox. It opens the store directly,
// so the client must not be running against the same directory.

var dataDir string

func main() {
	logger.Init("warn")
	defer logger.Sync()

	root := &cobra.Command{
		Use:   "medlinkctl",
		Short: "Inspect a medlink data directory",
	}
	root.PersistentFlags().StringVar(&dataDir, "data", "./data", "data directory")

	root.AddCommand(schemaCmd(), keysCmd(), outboxCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	return store.Open(filepath.Join(dataDir, "store"))
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the store schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("schema version: %d\n", st.SchemaVersion())
			fmt.Printf("path: %s\n", st.Path())
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [prefix]",
		Short: "List store keys, optionally under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, err := st.ListKeys(prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			fmt.Fprintf(os.Stderr, "%d keys\n", len(keys))
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Summarize undelivered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			for _, status := range []models.Status{models.StatusLocal, models.StatusPending, models.StatusFailed} {
				msgs, err := st.ListByStatus(status)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d\n", status, len(msgs))
				for _, m := range msgs {
					age := humanize.Time(time.Unix(0, m.CreatedTS))
					if status == models.StatusFailed {
						fmt.Printf("  %s room=%s attempts=%d created=%s\n", m.Cid, m.RoomID, m.Attempts, age)
					} else {
						fmt.Printf("  %s room=%s created=%s\n", m.Cid, m.RoomID, age)
					}
				}
			}
			return nil
		},
	}
}
