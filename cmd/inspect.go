package cmd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lcfs/internal/store"
	"github.com/deploymenttheory/go-lcfs/internal/types"
	"github.com/deploymenttheory/go-lcfs/pkg/app"
)

var inspectStorePath string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the superblocks persisted by the last sync",
	Long: `Read the superblock store written by a pool and print the global
superblock and every layer superblock with its deferred-free extents.

Examples:
  # Inspect the configured store
  lcfs inspect

  # Inspect another store as YAML
  lcfs inspect --store /var/lib/lcfs/lcfs.db -o yaml`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := inspectStorePath
		if path == "" {
			path = cfg.StorePath
		}
		return runInspect(newContext(cmd), path)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectStorePath, "store", "", "store path (default from config)")
}

// storeReport is the printable content of a superblock store
type storeReport struct {
	Path   string        `json:"path" yaml:"path"`
	Pool   *poolReport   `json:"pool,omitempty" yaml:"pool,omitempty"`
	Layers []layerReport `json:"layers" yaml:"layers"`
}

type poolReport struct {
	UUID        string `json:"uuid" yaml:"uuid"`
	BlockSize   uint32 `json:"block_size" yaml:"block_size"`
	TotalBlocks uint64 `json:"total_blocks" yaml:"total_blocks"`
	FreeBlocks  uint64 `json:"free_blocks" yaml:"free_blocks"`
	NextInode   uint64 `json:"next_inode" yaml:"next_inode"`
	LayerCount  uint64 `json:"layer_count" yaml:"layer_count"`
}

type layerReport struct {
	Index          int32    `json:"index" yaml:"index"`
	UUID           string   `json:"uuid" yaml:"uuid"`
	Parent         int32    `json:"parent" yaml:"parent"`
	Zombie         int32    `json:"zombie" yaml:"zombie"`
	Flags          []string `json:"flags" yaml:"flags"`
	Block          uint64   `json:"block" yaml:"block"`
	Inodes         uint64   `json:"inodes" yaml:"inodes"`
	DeferredBlocks uint64   `json:"deferred_blocks" yaml:"deferred_blocks"`
	Deferred       []string `json:"deferred,omitempty" yaml:"deferred,omitempty"`
}

func (r *storeReport) Header() []string {
	return []string{"INDEX", "PARENT", "ZOMBIE", "FLAGS", "BLOCK", "INODES", "DEFERRED", "UUID"}
}

func (r *storeReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Layers))
	for _, l := range r.Layers {
		rows = append(rows, []string{
			fmt.Sprint(l.Index),
			indexString(l.Parent),
			indexString(l.Zombie),
			strings.Join(l.Flags, ","),
			fmt.Sprint(l.Block),
			fmt.Sprint(l.Inodes),
			fmt.Sprint(l.DeferredBlocks),
			l.UUID,
		})
	}
	return rows
}

func indexString(index int32) string {
	if index == types.InvalidIndex {
		return "-"
	}
	return fmt.Sprint(index)
}

var flagNames = []struct {
	flag uint32
	name string
}{
	{types.SuperDirty, "dirty"},
	{types.SuperRDWR, "rw"},
	{types.SuperMounted, "mounted"},
	{types.SuperInit, "init"},
	{types.SuperZombie, "zombie"},
	{types.SuperFrozen, "frozen"},
}

func flagStrings(sb *types.Superblock) []string {
	var names []string
	for _, f := range flagNames {
		if sb.HasFlag(f.flag) {
			names = append(names, f.name)
		}
	}
	return names
}

func runInspect(ctx *app.Context, path string) error {
	if path == "" {
		return app.NewError(app.ErrCodeInvalidInput, "no store path configured", nil)
	}
	exists, err := afero.Exists(afero.NewOsFs(), path)
	if err != nil {
		return app.WrapError("failed to check store", err)
	}
	if !exists {
		return app.NewError(app.ErrCodeNotFound, fmt.Sprintf("store %s does not exist", path), nil)
	}

	st, err := store.Open(path)
	if err != nil {
		return app.WrapError("failed to open store", err)
	}
	defer st.Close()

	report := &storeReport{Path: path, Layers: []layerReport{}}
	gsb, err := st.Global()
	if err != nil {
		return app.WrapError("failed to read global superblock", err)
	}
	if gsb != nil {
		report.Pool = &poolReport{
			UUID:        uuid.UUID(gsb.UUID).String(),
			BlockSize:   gsb.BlockSize,
			TotalBlocks: gsb.TotalBlocks,
			FreeBlocks:  gsb.FreeBlocks,
			NextInode:   gsb.NextInode,
			LayerCount:  gsb.LayerCount,
		}
	}

	records, err := st.Records()
	if err != nil {
		return app.WrapError("failed to read layer superblocks", err)
	}
	for _, rec := range records {
		sb := rec.Superblock
		l := layerReport{
			Index:          sb.Index,
			UUID:           uuid.UUID(sb.UUID).String(),
			Parent:         sb.Parent,
			Zombie:         sb.Zombie,
			Flags:          flagStrings(sb),
			Block:          sb.Block,
			Inodes:         sb.ICount,
			DeferredBlocks: sb.DeferredBlocks,
		}
		for _, e := range rec.Deferred {
			l.Deferred = append(l.Deferred, fmt.Sprintf("%d+%d", e.Start, e.Count))
		}
		report.Layers = append(report.Layers, l)
	}
	ctx.Log(fmt.Sprintf("Read %d layer superblocks from %s", len(report.Layers), st.Path()))

	if err := app.Write(ctx.Out, ctx.OutputFormat, report); err != nil {
		return err
	}
	if ctx.OutputFormat == app.FormatTable && report.Pool != nil {
		used := report.Pool.TotalBlocks - types.FirstDataBlock - report.Pool.FreeBlocks
		fmt.Fprintf(ctx.Out, "\nPool %s: %d layers, %s of %s used\n", report.Pool.UUID, report.Pool.LayerCount,
			app.FormatBytes(used*uint64(report.Pool.BlockSize)),
			app.FormatBytes(report.Pool.TotalBlocks*uint64(report.Pool.BlockSize)))
	}
	return nil
}
