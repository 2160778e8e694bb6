package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/config"
	"github.com/standardbeagle/semfold/internal/control"
	"github.com/standardbeagle/semfold/internal/daemon"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/lifecycle"
	"github.com/standardbeagle/semfold/internal/logging"
	mcpserver "github.com/standardbeagle/semfold/internal/mcp"
	"github.com/standardbeagle/semfold/internal/models"
	"github.com/standardbeagle/semfold/internal/store"
	"github.com/standardbeagle/semfold/internal/version"
	"github.com/standardbeagle/semfold/pkg/pathutil"
)

func main() {
	app := &cli.App{
		Name:                   "semfold",
		Usage:                  "Semantic folder indexing daemon",
		Version:                version.Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: ~/" + config.DaemonDirName + "/config.yaml)",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "Run the indexing daemon in the foreground",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Usage:   "Override the number of concurrent indexing workers",
					},
				},
				Action: daemonCommand,
			},
			{
				Name:   "mcp",
				Usage:  "Run a standalone MCP server over stdio",
				Action: mcpCommand,
			},
			{
				Name:   "status",
				Usage:  "Show daemon and per-folder index status",
				Flags:  []cli.Flag{jsonFlag()},
				Action: statusCommand,
			},
			{
				Name:      "search",
				Aliases:   []string{"s"},
				Usage:     "Search indexed folders semantically",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "folder",
						Aliases: []string{"f"},
						Usage:   "Restrict the search to one managed folder",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of results",
						Value:   10,
					},
					&cli.StringFlag{
						Name:  "path-prefix",
						Usage: "Keep only documents under this path prefix",
					},
					jsonFlag(),
				},
				Action: searchCommand,
			},
			{
				Name:      "add",
				Usage:     "Add a folder to the managed set",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "model",
						Aliases: []string{"m"},
						Usage:   "Embedding model id (default: " + models.DefaultModelID() + ")",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name for the folder",
					},
				},
				Action: addCommand,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Remove a folder from the managed set",
				ArgsUsage: "<path>",
				Action:    removeCommand,
			},
			{
				Name:      "validate",
				Usage:     "Check whether a path can be added as a managed folder",
				ArgsUsage: "<path>",
				Action:    validateCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Machine-readable JSON output",
	}
}

// configPath resolves the config file location from the --config flag,
// falling back to the per-user default.
func configPath(c *cli.Context) (string, error) {
	if p := c.String("config"); p != "" {
		return p, nil
	}
	return config.DefaultConfigPath()
}

func loadConfigWithOverrides(c *cli.Context) (*config.Config, string, error) {
	path, err := configPath(c)
	if err != nil {
		return nil, "", err
	}

	var overrides []config.Override
	if c.Bool("debug") {
		overrides = append(overrides, config.WithDebug())
	}
	if w := c.Int("workers"); w > 0 {
		overrides = append(overrides, config.WithWorkers(w))
	}

	cfg, err := config.Load(path, overrides...)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func daemonCommand(c *cli.Context) error {
	cfg, path, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	logFile := ""
	if dir, err := config.UserDir(true); err == nil {
		logFile = filepath.Join(dir, "daemon.log")
	}
	if _, err := logging.Init(logging.Options{Debug: cfg.Debug, LogFile: logFile}); err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}

	d, err := daemon.New(cfg, path)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

// mcpCommand runs an in-process manager with an MCP stdio front-end. It
// refuses to start while a daemon holds the configured folders. Logs go to
// a file because stdout carries the wire protocol.
func mcpCommand(c *cli.Context) error {
	cfg, _, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	// a daemon already has these folders open; a second manager would
	// index them concurrently against the same index files
	if reg, err := daemon.NewRegistry(); err == nil {
		if rec, err := reg.Running(); err == nil && rec != nil {
			return fmt.Errorf("a daemon is already running (pid %d); stop it before running the MCP server standalone", rec.PID)
		}
	}

	logFile := ""
	if dir, err := config.UserDir(true); err == nil {
		logFile = filepath.Join(dir, "mcp.log")
	}
	if _, err := logging.Init(logging.Options{Debug: cfg.Debug, LogFile: logFile}); err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}
	log := logging.Named("mcp")

	registry := models.NewRegistry(cfg.ModelRegistry.Capacity)
	manager := lifecycle.NewManager(cfg, registry, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	for _, fc := range cfg.Folders {
		if err := manager.StartFolder(ctx, fc); err != nil {
			log.Warn("skipping configured folder",
				zap.String("path", fc.Path),
				zap.Error(err))
		}
	}

	var shuttingDown atomic.Bool
	facade := control.New(manager, registry, version.Version, shuttingDown.Load)

	runErr := mcpserver.NewServer(facade).Run(ctx)

	shuttingDown.Store(true)
	manager.StopAll()
	registry.Shutdown()
	logging.Sync()

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// statusRow is the status command's per-folder output shape.
type statusRow struct {
	Path       string `json:"path"`
	Name       string `json:"name,omitempty"`
	Model      string `json:"model"`
	Documents  int    `json:"documents"`
	Chunks     int    `json:"chunks"`
	Embeddings int    `json:"embeddings"`
	IndexBytes int64  `json:"indexBytes"`
	Error      string `json:"error,omitempty"`
}

type statusOutput struct {
	Running bool           `json:"running"`
	Record  *daemon.Record `json:"daemon,omitempty"`
	Folders []statusRow    `json:"folders"`
}

func statusCommand(c *cli.Context) error {
	cfg, _, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	out := statusOutput{}
	if reg, err := daemon.NewRegistry(); err == nil {
		if rec, err := reg.Running(); err == nil && rec != nil {
			out.Running = true
			out.Record = rec
		}
	}

	ctx := c.Context
	for _, fc := range cfg.Folders {
		row := statusRow{Path: fc.Path, Name: fc.Name, Model: fc.Model}
		if row.Model == "" {
			row.Model = models.DefaultModelID()
		}
		st, err := store.Open(fc.Path)
		if err != nil {
			row.Error = err.Error()
			out.Folders = append(out.Folders, row)
			continue
		}
		stats, err := st.Stats(ctx)
		st.Close()
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Documents = stats.DocumentCount
			row.Chunks = stats.ChunkCount
			row.Embeddings = stats.EmbeddingCount
			row.IndexBytes = stats.ApproxSize
		}
		out.Folders = append(out.Folders, row)
	}

	if c.Bool("json") {
		return printJSON(out)
	}

	if out.Running {
		fmt.Printf("Daemon: running (pid %d, version %s, since %s)\n",
			out.Record.PID, out.Record.Version, humanize.Time(out.Record.StartTime))
	} else {
		fmt.Println("Daemon: not running")
	}
	if len(out.Folders) == 0 {
		fmt.Println("No folders configured.")
		return nil
	}
	for _, row := range out.Folders {
		fmt.Printf("\n%s\n", row.Path)
		if row.Name != "" {
			fmt.Printf("  Name:       %s\n", row.Name)
		}
		fmt.Printf("  Model:      %s\n", row.Model)
		if row.Error != "" {
			fmt.Printf("  Error:      %s\n", row.Error)
			continue
		}
		fmt.Printf("  Documents:  %d\n", row.Documents)
		fmt.Printf("  Chunks:     %d (%d embedded)\n", row.Chunks, row.Embeddings)
		fmt.Printf("  Index size: %s\n", humanize.Bytes(uint64(row.IndexBytes)))
	}
	return nil
}

func searchCommand(c *cli.Context) error {
	query := c.Args().First()
	if query == "" {
		return cli.Exit("usage: semfold search <query>", 1)
	}

	cfg, _, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	folders := cfg.Folders
	if scope := c.String("folder"); scope != "" {
		norm, err := pathutil.Normalize(scope)
		if err != nil {
			return err
		}
		folders = nil
		for _, fc := range cfg.Folders {
			if fcNorm, err := pathutil.Normalize(fc.Path); err == nil && fcNorm == norm {
				folders = append(folders, fc)
			}
		}
		if len(folders) == 0 {
			return semerrors.Newf(semerrors.KindValidation, "cli.search",
				"folder is not configured: %s", scope)
		}
	}
	if len(folders) == 0 {
		return cli.Exit("no folders configured; run 'semfold add <path>' first", 1)
	}

	limit := c.Int("limit")
	if limit <= 0 {
		limit = 10
	}
	var filter *store.SearchFilter
	if prefix := c.String("path-prefix"); prefix != "" {
		filter = &store.SearchFilter{PathPrefix: prefix}
	}

	registry := models.NewRegistry(cfg.ModelRegistry.Capacity)
	defer registry.Shutdown()

	ctx := c.Context
	var hits []control.SearchHit
	for _, fc := range folders {
		folderHits, err := searchFolder(ctx, registry, fc, query, limit, filter)
		if err != nil {
			return err
		}
		hits = append(hits, folderHits...)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].DocumentPath != hits[j].DocumentPath {
			return hits[i].DocumentPath < hits[j].DocumentPath
		}
		return hits[i].ChunkOrdinal < hits[j].ChunkOrdinal
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	if c.Bool("json") {
		return printJSON(hits)
	}
	if len(hits) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, h := range hits {
		fmt.Printf("%2d. %.3f  %s\n    %s\n", i+1, h.Similarity, h.Location, h.Preview)
	}
	return nil
}

func searchFolder(ctx context.Context, registry *models.Registry, fc config.FolderConfig, query string, limit int, filter *store.SearchFilter) ([]control.SearchHit, error) {
	modelID := fc.Model
	if modelID == "" {
		modelID = models.DefaultModelID()
	}
	handle, err := registry.GetOrLoad(ctx, modelID)
	if err != nil {
		return nil, err
	}
	vec, err := handle.Embed(ctx, query, true)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(fc.Path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	raw, err := st.Search(ctx, vec, limit, filter)
	if err != nil {
		return nil, err
	}
	hits := make([]control.SearchHit, 0, len(raw))
	for _, h := range raw {
		hits = append(hits, control.SearchHit{Folder: fc.Path, Hit: h})
	}
	return hits, nil
}

func addCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: semfold add <path>", 1)
	}

	cfg, cfgPath, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	v := validateAgainstConfig(cfg, path)
	for _, w := range v.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if !v.Valid {
		return semerrors.Validation(v.Code, path, "%s", v.Errors[0])
	}

	// the config validator requires an explicit model per folder
	modelID := c.String("model")
	if modelID == "" {
		modelID = models.AutoModelID
	}
	if _, err := models.Lookup(modelID); err != nil {
		return err
	}

	cfg.Folders = append(cfg.Folders, config.FolderConfig{
		Path:  v.Path,
		Model: modelID,
		Name:  c.String("name"),
	})
	if err := config.Save(cfg, cfgPath); err != nil {
		return err
	}

	fmt.Printf("Added %s\n", v.Path)
	notifyRunningDaemon()
	return nil
}

func removeCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: semfold remove <path>", 1)
	}
	norm, err := pathutil.Normalize(path)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	kept := cfg.Folders[:0]
	removed := false
	for _, fc := range cfg.Folders {
		if fcNorm, err := pathutil.Normalize(fc.Path); err == nil && fcNorm == norm {
			removed = true
			continue
		}
		kept = append(kept, fc)
	}
	if !removed {
		return semerrors.Newf(semerrors.KindValidation, "cli.remove",
			"folder is not configured: %s", path)
	}
	cfg.Folders = kept
	if err := config.Save(cfg, cfgPath); err != nil {
		return err
	}

	fmt.Printf("Removed %s\n", norm)
	notifyRunningDaemon()
	return nil
}

func validateCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: semfold validate <path>", 1)
	}
	cfg, _, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	v := validateAgainstConfig(cfg, path)
	if err := printJSON(v); err != nil {
		return err
	}
	if !v.Valid {
		return cli.Exit("", 1)
	}
	return nil
}

// validateAgainstConfig applies the folder overlap rules against the
// configured folder set. The daemon applies the same rules against its live
// set on reload, so a folder that passes here can still be rejected there if
// the config file changed in between.
func validateAgainstConfig(cfg *config.Config, path string) lifecycle.Validation {
	v := lifecycle.Validation{Path: path}

	norm, err := pathutil.Normalize(path)
	if err != nil {
		v.Code = semerrors.CodeNotExists
		v.Errors = append(v.Errors, err.Error())
		return v
	}
	v.Path = norm

	fi, err := os.Stat(norm)
	switch {
	case err != nil:
		v.Code = semerrors.CodeNotExists
		v.Errors = append(v.Errors, fmt.Sprintf("folder does not exist: %s", norm))
		return v
	case !fi.IsDir():
		v.Code = semerrors.CodeNotDirectory
		v.Errors = append(v.Errors, fmt.Sprintf("path is not a directory: %s", norm))
		return v
	}

	for _, fc := range cfg.Folders {
		managed, err := pathutil.Normalize(fc.Path)
		if err != nil {
			continue
		}
		switch {
		case managed == norm:
			if v.Code == "" {
				v.Code = semerrors.CodeDuplicate
			}
			v.Errors = append(v.Errors, fmt.Sprintf("folder is already configured: %s", managed))
		case pathutil.IsSubPath(norm, managed):
			if v.Code == "" {
				v.Code = semerrors.CodeSubfolder
			}
			v.Errors = append(v.Errors, fmt.Sprintf("folder is inside configured folder %s", managed))
		case pathutil.IsSubPath(managed, norm):
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("configured folder %s would become redundant", managed))
			v.Affected = append(v.Affected, managed)
		}
	}
	sort.Strings(v.Affected)

	v.Valid = len(v.Errors) == 0
	return v
}

// notifyRunningDaemon asks a running daemon to reload its configuration.
// Best effort: config edits still take effect on the next daemon start.
func notifyRunningDaemon() {
	reg, err := daemon.NewRegistry()
	if err != nil {
		return
	}
	rec, err := reg.Running()
	if err != nil || rec == nil {
		return
	}
	if err := signalReload(rec.PID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: daemon (pid %d) could not be notified: %v\n", rec.PID, err)
		fmt.Fprintln(os.Stderr, "The change takes effect on the next daemon restart.")
		return
	}
	fmt.Printf("Daemon (pid %d) notified.\n", rec.PID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
