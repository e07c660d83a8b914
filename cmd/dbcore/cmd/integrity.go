package cmd

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dbcore/common"
	"dbcore/hashindex"
	"dbcore/storage"
)

func init() {
	integrityCmd := &cobra.Command{
		Use:   "integrity",
		Short: "Verify the extendible hash directory's invariants",
		RunE:  integrityRun,
	}
	rootCmd.AddCommand(integrityCmd)
}

func integrityRun(cmd *cobra.Command, args []string) error {
	dm, err := storage.NewFileDiskManager(filepath.Join(cfg.DataDir, "bench.db"))
	if err != nil {
		return err
	}
	defer dm.Close()

	pool := storage.NewParallelBufferPool(cfg.PoolSizePerShard, cfg.NumShards, dm)
	// A freshly created table always allocates its directory as the very
	// first page, so reopening at page 0 is safe as long as num_shards
	// matches whatever bench ran with (shard 0 owns page 0 either way).
	ht := hashindex.OpenExtendibleHashTable(pool, common.PageID(0))

	if err := ht.VerifyIntegrity(); err != nil {
		return fmt.Errorf("dbcore: integrity check failed: %w", err)
	}
	log.Info("directory integrity check passed")
	return nil
}
