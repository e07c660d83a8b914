package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dbcore/common"
	"dbcore/hashindex"
	"dbcore/storage"
)

var benchKeys int

func init() {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Insert keys into a fresh hash index and report throughput",
		RunE:  benchRun,
	}
	benchCmd.Flags().IntVar(&benchKeys, "keys", 50000, "number of keys to insert")
	rootCmd.AddCommand(benchCmd)
}

func benchRun(cmd *cobra.Command, args []string) error {
	dm, err := storage.NewFileDiskManager(filepath.Join(cfg.DataDir, "bench.db"))
	if err != nil {
		return err
	}
	defer dm.Close()

	pool := storage.NewParallelBufferPool(cfg.PoolSizePerShard, cfg.NumShards, dm)
	ht, err := hashindex.NewExtendibleHashTable(pool)
	if err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < benchKeys; i++ {
		key := hashindex.NewKey([]byte(fmt.Sprintf("bench-key-%d", i)))
		rid := common.RowID{PageID: common.PageID(i), Slot: 0}
		if err := ht.Insert(key, rid); err != nil {
			return fmt.Errorf("insert %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	if err := pool.FlushAllPages(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"keys":          benchKeys,
		"elapsed":       elapsed,
		"inserts_per_s": float64(benchKeys) / elapsed.Seconds(),
	}).Info("bench complete")
	return nil
}
