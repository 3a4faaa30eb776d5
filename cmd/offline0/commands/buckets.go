package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var deleteBucket string

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List cache buckets",
	Long: `List the buckets held by the configured storage backend with their entry
counts. The current version's bucket and the replay queue buckets are marked.

Disk backends hold an exclusive lock: stop "offline0 serve" first.`,
	RunE: runBuckets,
}

func init() {
	bucketsCmd.Flags().StringVar(&deleteBucket, "delete", "", "delete the named bucket instead of listing")
}

func runBuckets(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := offline0.OpenStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	if deleteBucket != "" {
		ok, err := st.Delete(ctx, deleteBucket)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("bucket %q not found", deleteBucket)
		}
		cmd.Printf("deleted %s\n", deleteBucket)
		return nil
	}

	names, err := st.Keys(ctx)
	if err != nil {
		return err
	}
	queues := map[string]string{}
	for _, q := range cfg.Queues {
		queues[q.Bucket] = q.Tag
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		b, err := st.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := b.Keys(ctx)
		if err != nil {
			return err
		}
		kind := "stale"
		switch {
		case name == cfg.CacheName():
			kind = "current"
		case queues[name] != "":
			kind = "queue:" + queues[name]
		}
		rows = append(rows, []string{name, kind, strconv.Itoa(len(keys))})
	}
	printTable(cmd.OutOrStdout(), []string{"Bucket", "Kind", "Entries"}, rows)
	return nil
}
