package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/klwatch/internal/config"
	"github.com/kalambet/klwatch/internal/storage"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type jobResult struct {
	Job     *storage.Job `json:"job"`
	Message string       `json:"message"`
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled scrape jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/scheduler/jobs")
		if err != nil {
			return err
		}

		var result struct {
			Jobs []storage.Job `json:"jobs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(result.Jobs) == 0 {
			fmt.Fprintln(out, "No jobs configured.")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tEVERY\tLAST RUN\tSTATUS\tNEXT RUN")
		for _, j := range result.Jobs {
			fmt.Fprintf(tw, "%d\t%s\t%t\t%ds\t%s\t%s\t%s\n",
				j.ID, truncate(j.Name, 30), j.IsActive, j.IntervalSeconds,
				formatTime(j.LastRunAt), runStatusLabel(string(j.LastRunStatus)), formatTime(j.NextRunAt))
		}
		return tw.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/scheduler/jobs/"+id)
		if err != nil {
			return err
		}

		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a job",
	Long: `Create a scheduled scrape job.

Examples:
  klwatch jobs create woom-3 --query "woom 3" --max-price 300 --every 1800
  klwatch jobs create berlin-bikes --location Berlin --radius 10 --inactive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := jobBody(cmd.Flags())
		if err != nil {
			return err
		}
		body["name"] = args[0]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/scheduler/jobs", body)
		if err != nil {
			return err
		}

		var result jobResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Job != nil {
			printSuccess("%s (id %d)", result.Message, result.Job.ID)
		}
		return nil
	},
}

var jobsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a job's search or schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		body, err := jobBody(cmd.Flags())
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update; pass at least one flag")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/scheduler/jobs/"+id, body)
		if err != nil {
			return err
		}

		var result jobResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s", result.Message)
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/scheduler/jobs/"+id)
		if err != nil {
			return err
		}

		var result jobResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s", result.Message)
		return nil
	},
}

// jobActionCmd builds start, stop and run, which share a request shape.
func jobActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			client, err := newAPIClient()
			if err != nil {
				return err
			}

			resp, err := client.post(cmd.Context(), "/scheduler/jobs/"+id+"/"+action, nil)
			if err != nil {
				return err
			}

			var result jobResult
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			printSuccess("%s", result.Message)
			if j := result.Job; j != nil && action == "run" {
				printStatus("Status", "%s", runStatusLabel(string(j.LastRunStatus)))
				if j.LastResultCount != nil {
					printStatus("Results", "%d", *j.LastResultCount)
				}
				if j.LastRunMessage != "" {
					printStatus("Message", "%s", j.LastRunMessage)
				}
				printStatus("Next run", "%s", formatTime(j.NextRunAt))
			}
			return nil
		},
	}
}

func parseJobID(raw string) (string, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("invalid job id %q", raw)
	}
	return strconv.FormatInt(id, 10), nil
}

// jobBody collects the job flags that were set on the command line.
func jobBody(flags *pflag.FlagSet) (map[string]any, error) {
	body := map[string]any{}
	for _, name := range []string{"query", "location"} {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			body[name] = v
		}
	}
	ints := map[string]string{
		"radius":    "radius",
		"min-price": "min_price",
		"max-price": "max_price",
		"pages":     "page_count",
		"every":     "interval_seconds",
	}
	for flag, field := range ints {
		if flags.Changed(flag) {
			v, err := flags.GetInt(flag)
			if err != nil {
				return nil, err
			}
			body[field] = v
		}
	}
	if flags.Changed("inactive") {
		v, _ := flags.GetBool("inactive")
		body["is_active"] = !v
	}
	if flags.Changed("active") {
		v, _ := flags.GetBool("active")
		body["is_active"] = v
	}
	if flags.Changed("clear") {
		names, err := flags.GetStringSlice("clear")
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			field, ok := clearableFields[name]
			if !ok {
				return nil, fmt.Errorf("--clear accepts radius, min-price or max-price, not %q", name)
			}
			body[field] = nil
		}
	}
	return body, nil
}

// clearableFields maps --clear values to the PATCH fields reset by null.
var clearableFields = map[string]string{
	"radius":    "radius",
	"min-price": "min_price",
	"max-price": "max_price",
}

func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("query", "", "search keywords")
	f.String("location", "", "location name or postal code")
	f.Int("radius", 0, "search radius in km")
	f.Int("min-price", 0, "minimum price in EUR")
	f.Int("max-price", 0, "maximum price in EUR")
	f.Int("pages", 1, "result pages to scan per run")
	f.Int("every", 0, "run interval in seconds")
}

func init() {
	addJobFlags(jobsCreateCmd)
	jobsCreateCmd.Flags().Bool("inactive", false, "create the job without scheduling it")
	addJobFlags(jobsUpdateCmd)
	jobsUpdateCmd.Flags().Bool("active", true, "activate or deactivate the job")
	jobsUpdateCmd.Flags().StringSlice("clear", nil, "remove radius, min-price or max-price from the search")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCreateCmd, jobsUpdateCmd, jobsDeleteCmd)
	jobsCmd.AddCommand(
		jobActionCmd("start", "Activate a job and schedule its next run"),
		jobActionCmd("stop", "Deactivate a job"),
		jobActionCmd("run", "Run a job now and wait for the result"),
	)
}

// --- listings ---

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Browse stored listings",
}

var listingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored listings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stored-listings?"+listingsQuery(cmd.Flags()).Encode())
		if err != nil {
			return err
		}

		var page struct {
			Items  []storage.Listing `json:"items"`
			Total  int               `json:"total"`
			Offset int               `json:"offset"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(page.Items) == 0 {
			fmt.Fprintln(out, "No listings found.")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tPRICE\tTITLE\tJOB\tLAST SEEN")
		for _, l := range page.Items {
			last := l.LastSeenAt
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				l.ExternalID, l.Status, priceLabel(l), truncate(l.Title, 50), l.QueryName, formatTime(&last))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d-%d of %d\n", page.Offset+1, page.Offset+len(page.Items), page.Total)
		return nil
	},
}

var listingsShowCmd = &cobra.Command{
	Use:   "show <external-id>",
	Short: "Show a stored listing as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stored-listings/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var listing storage.Listing
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), listing)
	},
}

func listingsQuery(flags *pflag.FlagSet) url.Values {
	q := url.Values{}
	for _, name := range []string{"query-name", "status", "search"} {
		if v, _ := flags.GetString(name); v != "" {
			q.Set(strings.ReplaceAll(name, "-", "_"), v)
		}
	}
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

func priceLabel(l storage.Listing) string {
	if l.PriceAmount == nil {
		if l.PriceText != "" {
			return l.PriceText
		}
		return "-"
	}
	label := *l.PriceAmount + " " + l.PriceCurrency
	if l.PriceNegotiable {
		label += " VB"
	}
	return strings.TrimSpace(label)
}

func init() {
	f := listingsListCmd.Flags()
	f.String("query-name", "", "only listings discovered by this job")
	f.String("status", "", "active, sold, reserved or deleted")
	f.String("search", "", "substring match on title or description")
	f.Int("limit", 25, "page size (1-100)")
	f.Int("offset", 0, "rows to skip")
	listingsCmd.AddCommand(listingsListCmd, listingsShowCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a live search without storing results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := searchQuery(strings.Join(args, " "), cmd.Flags())
		if err != nil {
			return err
		}
		detailed, _ := cmd.Flags().GetBool("detailed")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/inserate?"
		if detailed {
			path = "/inserate-detailed?"
		}
		resp, err := client.get(cmd.Context(), path+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Results []searchRow `json:"results"`
			Data    []searchRow `json:"data"`
			Unique  int         `json:"unique_results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		rows := result.Results
		if detailed {
			rows = result.Data
		}

		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Price, truncate(r.Title, 60), r.Location)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d unique results\n", result.Unique)
		return nil
	},
}

type searchRow struct {
	ID       string `json:"adid"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	Location string `json:"location"`
}

func searchQuery(query string, flags *pflag.FlagSet) (url.Values, error) {
	q := url.Values{}
	q.Set("query", query)
	for _, name := range []string{"location", "category", "sort", "seller-type", "shipping"} {
		if v, _ := flags.GetString(name); v != "" {
			q.Set(strings.ReplaceAll(name, "-", "_"), v)
		}
	}
	ints := map[string]string{
		"radius":    "radius",
		"min-price": "min_price",
		"max-price": "max_price",
		"pages":     "page_count",
	}
	for flag, field := range ints {
		if !flags.Changed(flag) {
			continue
		}
		v, _ := flags.GetInt(flag)
		if v < 0 {
			return nil, fmt.Errorf("--%s must not be negative", flag)
		}
		q.Set(field, strconv.Itoa(v))
	}
	badges, _ := flags.GetStringSlice("seller-badge")
	for _, b := range badges {
		q.Add("seller_badge", b)
	}
	return q, nil
}

func init() {
	f := searchCmd.Flags()
	f.Bool("detailed", false, "open every result and return full details")
	f.String("location", "", "location name or postal code")
	f.Int("radius", 0, "search radius in km")
	f.Int("min-price", 0, "minimum price in EUR")
	f.Int("max-price", 0, "maximum price in EUR")
	f.Int("pages", 1, "result pages to scan (1-20)")
	f.String("category", "", "category path segment, e.g. s-fahrraeder")
	f.String("sort", "", "sorting field")
	f.String("seller-type", "", "detailed only: private or commercial")
	f.String("shipping", "", "detailed only: ship, pickup or both")
	f.StringSlice("seller-badge", nil, "detailed only: required seller badge (repeatable)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Persist a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		printWarning("restart the server for the change to take effect")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
