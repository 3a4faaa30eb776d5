package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var purgeMode string

var queueCmd = &cobra.Command{
	Use:   "queue [tag]",
	Short: "Inspect or purge replay queues",
	Long: `List the writes waiting in the replay queues, or in the queue for one sync
tag. Entries leave a queue only when replayed successfully or when purged here.

Examples:
  # Show every queue
  offline0 queue

  # Drop the dead letters of the form queue
  offline0 queue form-submission --purge dead`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQueue,
}

func init() {
	queueCmd.Flags().StringVar(&purgeMode, "purge", "", `remove entries instead of listing: "dead" or "all"`)
}

func runQueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	queues := cfg.Queues
	if len(args) == 1 {
		queues = nil
		for _, q := range cfg.Queues {
			if q.Tag == args[0] {
				queues = append(queues, q)
			}
		}
		if len(queues) == 0 {
			return fmt.Errorf("%w: %q", offline0.ErrUnknownSyncTag, args[0])
		}
	}
	if purgeMode != "" && purgeMode != "dead" && purgeMode != "all" {
		return fmt.Errorf("--purge must be dead or all, got %q", purgeMode)
	}

	st, err := offline0.OpenStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	if purgeMode != "" {
		for _, q := range queues {
			n, err := offline0.PurgeQueue(ctx, st, q.Bucket, purgeMode == "dead")
			if err != nil {
				return err
			}
			cmd.Printf("%s: removed %d\n", q.Tag, n)
		}
		return nil
	}

	var rows [][]string
	for _, q := range queues {
		ents, err := offline0.ListQueue(ctx, st, q.Bucket)
		if err != nil {
			return err
		}
		for _, e := range ents {
			rows = append(rows, queueRow(q.Tag, e))
		}
	}
	printTable(cmd.OutOrStdout(), []string{"Tag", "ID", "Method", "URL", "Attempts", "State", "Next", "Error"}, rows)
	return nil
}

func queueRow(tag string, e offline0.Entry) []string {
	id, attempts, state, next, lastErr := "", "0", "pending", "-", ""
	if st := e.Replay; st != nil {
		id = st.ID
		attempts = strconv.Itoa(st.Attempts)
		lastErr = st.LastError
		switch {
		case st.Dead:
			state = "dead"
		case st.NextAttemptAt > 0:
			next = time.Unix(0, st.NextAttemptAt).Format(time.RFC3339)
		}
	}
	return []string{tag, id, e.Request.Method, e.Request.URL, attempts, state, next, lastErr}
}
