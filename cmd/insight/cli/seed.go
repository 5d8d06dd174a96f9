package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/insight/internal/retrieval"
	"github.com/felixgeelhaar/insight/internal/warehouse"
)

var seedCmd = &cobra.Command{
	Use:   "seed [seed-file]",
	Short: "Load a demo dataset into the warehouse and knowledge base",
	Long: `Reads a YAML seed file, creates the warehouse tables it declares, and
embeds its corpus documents for retrieval. Existing tables with the same
names are replaced.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSeed(args[0])
	},
}

func init() {
	RootCmd.AddCommand(seedCmd)
}

func runSeed(path string) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	seed, err := warehouse.LoadSeed(path)
	if err != nil {
		fatal(err)
	}

	if dir := filepath.Dir(cfg.WarehousePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(err)
		}
	}
	if err := warehouse.Seed(cfg.WarehousePath, seed.Tables); err != nil {
		fatal(err)
	}
	fmt.Printf("seeded %d warehouse tables\n", len(seed.Tables))

	if len(seed.Corpus) == 0 {
		return
	}

	storage, err := openStorage(cfg)
	if err != nil {
		fatal(err)
	}
	defer storage.Close()

	p, err := newProvider(ctx, cfg, storage)
	if err != nil {
		fatal(err)
	}
	retriever := retrieval.New(storage, p, cfg.MinRelevance, cfg.RetrievalTopKDefault, cfg.RetrievalTopKMax)

	chunks := 0
	for _, doc := range seed.Corpus {
		if err := retriever.Index(ctx, doc.Source, doc.Chunks); err != nil {
			fatal(err)
		}
		chunks += len(doc.Chunks)
	}
	fmt.Printf("indexed %d corpus chunks from %d sources\n", chunks, len(seed.Corpus))
}
