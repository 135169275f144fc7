package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/H1yori233/innoweaver/pkg/client"
)

var (
	// run flags
	runEmail    string
	runPassword string
	runPapers   []string
	runExamples []string
	runDraw     bool

	// query flags
	queryDocPath string
)

// statusCmd polls one task
var statusCmd = &cobra.Command{
	Use:   "status <task_id>",
	Short: "Show a task's status and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st, err := c.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d%%\n", st.Status, st.Progress)
		return nil
	},
}

// runCmd drives a task through every stage
var runCmd = &cobra.Command{
	Use:   "run <analysis.json>",
	Short: "Run the full pipeline for a query analysis",
	Long: `Run the full pipeline for the query analysis stored in a JSON file and
print the final result.

Paper and example stages run only when ids are given; drawing runs with --draw.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read analysis: %w", err)
		}
		var analysis map[string]interface{}
		if err := json.Unmarshal(data, &analysis); err != nil {
			return fmt.Errorf("failed to parse analysis: %w", err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if runEmail != "" {
			if _, err := c.Login(ctx, runEmail, runPassword); err != nil {
				return err
			}
		}

		out := cmd.ErrOrStderr()
		final, err := c.Run(ctx, analysis, client.RunOptions{
			PaperIDs:    runPapers,
			SolutionIDs: runExamples,
			Draw:        runDraw,
			OnStage: func(stage string, res *client.StageResult) {
				fmt.Fprintf(out, "%-18s %3d%%  %s\n", stage, res.Progress, res.TaskID)
			},
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

// queryCmd analyses a design query into the JSON that run accepts
var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Analyse a design query",
	Long: `Analyse a design query and print the analysis as JSON. Save the output
and pass it to 'innoweaver run'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc string
		if queryDocPath != "" {
			data, err := os.ReadFile(queryDocPath)
			if err != nil {
				return fmt.Errorf("failed to read design doc: %w", err)
			}
			doc = string(data)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		analysis, err := c.AnalyzeQuery(ctx, args[0], doc)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(analysis)
	},
}

// chatCmd streams one chat turn about a stored solution
var chatCmd = &cobra.Command{
	Use:   "chat <inspiration_id> <message>",
	Short: "Ask about a stored design inspiration",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		out := cmd.OutOrStdout()
		err = c.ChatStream(ctx, args[0], args[1], nil, func(d client.ChatDelta) {
			fmt.Fprint(out, d.Delta)
		})
		fmt.Fprintln(out)
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runEmail, "email", "", "Log in with this email before running")
	runCmd.Flags().StringVar(&runPassword, "password", os.Getenv("INNOWEAVER_PASSWORD"), "Password for --email (or set INNOWEAVER_PASSWORD)")
	runCmd.Flags().StringSliceVar(&runPapers, "papers", nil, "Paper ids for the paper stage")
	runCmd.Flags().StringSliceVar(&runExamples, "examples", nil, "Solution ids for the example stage")
	runCmd.Flags().BoolVar(&runDraw, "draw", false, "Generate images for the final solutions")
	queryCmd.Flags().StringVar(&queryDocPath, "doc", "", "File with supporting design notes")
}
