package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/config"
	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/orchestrator"
	"github.com/kalambet/osakb/internal/search"
)

// triggeredByManual is recorded for runs started from the command line.
const triggeredByManual = "manual"

var syncTypeHelp = strings.Join(append(append([]string{}, community.SyncTypes...), community.SyncAll), ", ")

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync <type>",
	Short: "Run a sync in this process",
	Long: `Run a sync in this process, without the server.

Types: ` + syncTypeHelp + `

Examples:
  osakb sync github --community eeglab
  osakb sync papers --full
  osakb sync all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("community")
		full, _ := cmd.Flags().GetBool("full")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logCloser := setupLogging(cfg.Log)
		defer logCloser.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if args[0] == community.SyncFAQ || args[0] == community.SyncAll {
			if err := a.ensureModels(ctx); err != nil {
				printWarning("ollama models unavailable: %v", err)
			}
		}

		opts := orchestrator.Options{Full: full, TriggeredBy: triggeredByManual}
		scope := id
		if scope == "" {
			scope = "every active community"
		}
		mode := "incremental"
		if full {
			mode = "full"
		}
		printStep("%s %s sync of %s", mode, args[0], scope)
		var items map[string]int
		if id == "" {
			items, err = a.orch.RunSyncNow(ctx, args[0], opts)
		} else {
			items, err = a.orch.RunCommunity(ctx, id, args[0], opts)
		}
		printCounts(os.Stdout, items)
		if err != nil {
			return err
		}
		printSuccess("sync completed: %d items synced", total(items))
		return nil
	},
}

func init() {
	syncCmd.Flags().String("community", "", "community id (default: every active community)")
	syncCmd.Flags().Bool("full", false, "ignore watermarks and refetch everything")
}

// --- trigger ---

var triggerCmd = &cobra.Command{
	Use:   "trigger <type>",
	Short: "Ask the running server to sync",
	Long: `Ask the running server to sync. The job is queued unless --wait is given.

Types: ` + syncTypeHelp,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("community")
		full, _ := cmd.Flags().GetBool("full")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return triggerSync(cmd.Context(), client, os.Stdout, triggerBody{
			SyncType:  args[0],
			Community: id,
			Full:      full,
			Wait:      wait,
		})
	},
}

func init() {
	triggerCmd.Flags().String("community", "", "community id (default: every active community)")
	triggerCmd.Flags().Bool("full", false, "ignore watermarks and refetch everything")
	triggerCmd.Flags().Bool("wait", false, "block until the sync finishes")
}

type triggerBody struct {
	SyncType  string `json:"sync_type"`
	Community string `json:"community,omitempty"`
	Full      bool   `json:"full,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
}

type triggerResult struct {
	Status      string         `json:"status"`
	JobID       string         `json:"job_id"`
	ItemsSynced map[string]int `json:"items_synced"`
	Message     string         `json:"message"`
}

func triggerSync(ctx context.Context, client *apiClient, w io.Writer, body triggerBody) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printStep("requesting %s sync from the server", body.SyncType)
	resp, err := client.post(ctx, "/sync/trigger", body)
	if err != nil {
		return err
	}
	var res triggerResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	switch res.Status {
	case "queued":
		printSuccess("sync queued (job %s)", res.JobID)
	case "already_queued":
		printWarning("an identical sync is already pending or running")
	default:
		printCounts(w, res.ItemsSynced)
		printSuccess("%s", res.Message)
	}
	return nil
}

func total(items map[string]int) int {
	var n int
	for _, v := range items {
		n += v
	}
	return n
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <community> <query>",
	Short: "Search a community's knowledge base",
	Long: `Search a community's knowledge base directly, without the server.

Sources: all, ` + strings.Join(search.Sources, ", ") + `

Examples:
  osakb search eeglab "ICA crash" --source github
  osakb search bids 32 --source beps`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runSearch(cmd.Context(), cfg, os.Stdout, args[0], args[1], source, limit, asJSON)
	},
}

func init() {
	searchCmd.Flags().String("source", "all", "source to search")
	searchCmd.Flags().Int("limit", search.DefaultLimit, "maximum results per source")
	searchCmd.Flags().Bool("json", false, "print results as JSON")
}

// openKnowledge opens an existing knowledge database read-side. It does not
// create one for a community that was never synced.
func openKnowledge(cfg config.Config, id string) (*knowledge.Manager, *knowledge.DB, error) {
	reg, err := community.Load(cfg.Communities.Dir)
	if err != nil {
		return nil, nil, err
	}
	if _, err := reg.Get(id); err != nil {
		return nil, nil, err
	}
	dbs := knowledge.NewManager(cfg.Storage.DataDir)
	if !dbs.Exists(id) {
		return nil, nil, fmt.Errorf("no knowledge base for %s; run osakb sync all --community %s", id, id)
	}
	db, err := dbs.Get(id)
	if err != nil {
		dbs.Close()
		return nil, nil, err
	}
	return dbs, db, nil
}

func runSearch(ctx context.Context, cfg config.Config, w io.Writer, id, query, source string, limit int, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dbs, db, err := openKnowledge(cfg, id)
	if err != nil {
		return err
	}
	defer dbs.Close()

	s := search.New(db, search.Options{
		DedupThreshold: cfg.Search.DedupThreshold,
		MinTokenLength: cfg.Search.MinTokenLength,
	})

	grouped := map[string][]search.Result{}
	if source == "" || source == "all" {
		grouped, err = s.All(ctx, query, limit)
	} else {
		grouped[source], err = s.BySource(ctx, source, query, search.Filter{Limit: limit})
	}
	if err != nil {
		return err
	}
	if asJSON {
		return printJSONTo(w, grouped)
	}

	if printResults(w, grouped) == 0 {
		printWarning("no results for %q", query)
	}
	return nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats <community>",
	Short: "Show item counts for a community",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dbs, db, err := openKnowledge(cfg, args[0])
		if err != nil {
			return err
		}
		defer dbs.Close()

		st, err := db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

// --- communities ---

var communitiesCmd = &cobra.Command{
	Use:   "communities",
	Short: "List configured communities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		reg, err := community.Load(cfg.Communities.Dir)
		if err != nil {
			return err
		}
		printCommunities(os.Stdout, reg)
		return nil
	},
}

func printCommunities(w io.Writer, reg *community.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tNAME\tCAPABILITIES")
	for _, c := range reg.All() {
		caps := make([]string, 0)
		for _, cp := range c.Capabilities() {
			caps = append(caps, string(cp))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Status, c.Name, strings.Join(caps, ","))
	}
	tw.Flush()
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
