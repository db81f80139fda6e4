package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/analysis"
	"github.com/power-budget/backend/internal/app"
	"github.com/power-budget/backend/internal/export"
	"github.com/power-budget/backend/internal/session"
	"github.com/power-budget/backend/pkg/logger"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Analyze a BOM file and print its power budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.String("model", "", "model name (default from config)")
	f.Int("max-retries", analysis.DefaultRetries, "retries per batch (default from config)")
	f.String("api-key", "", "API key (default from config or POWER_BUDGET_LLM_APIKEY)")
	f.String("xlsx", "", "write the spreadsheet export to this path")
	f.String("html", "", "write the HTML report to this path")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	path := args[0]
	model, _ := cmd.Flags().GetString("model")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	apiKey, _ := cmd.Flags().GetString("api-key")
	xlsxPath, _ := cmd.Flags().GetString("xlsx")
	htmlPath, _ := cmd.Flags().GetString("html")

	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.Options{Logger: logger.L()}
	client := app.NewLLMClient(cfg.LLM, opts)
	sessionCfg := app.SessionConfig(cfg, client.DefaultModel(), nil, opts)
	sessionCfg.PhaseDelay = 0
	s := session.New("cli", app.NewAnalyzer(cfg, client, opts), app.NewParser(cfg, opts), sessionCfg)
	defer s.Close()

	events, unsubscribe := s.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(cmd.ErrOrStderr(), events)
	}()

	err = s.Analyze(ctx, session.AnalyzeInput{
		Credentials: session.Credentials{APIKey: apiKey, Model: model, MaxRetries: maxRetries},
		Filename:    filepath.Base(path),
		Data:        data,
	})
	unsubscribe()
	<-done
	if err != nil {
		return eris.Wrap(err, "analysis failed")
	}

	snap := s.Snapshot()
	printReport(cmd.OutOrStdout(), snap.Report)

	if xlsxPath != "" {
		var buf bytes.Buffer
		if err := export.WriteXLSX(&buf, snap.Records); err != nil {
			return err
		}
		if err := os.WriteFile(xlsxPath, buf.Bytes(), 0o644); err != nil {
			return eris.Wrapf(err, "write %s", xlsxPath)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Wrote", xlsxPath)
	}
	if htmlPath != "" {
		var buf bytes.Buffer
		meta := export.ReportMeta{Filename: filepath.Base(path), GeneratedAt: time.Now()}
		if err := export.WriteHTML(&buf, snap.Records, meta); err != nil {
			return err
		}
		if err := os.WriteFile(htmlPath, buf.Bytes(), 0o644); err != nil {
			return eris.Wrapf(err, "write %s", htmlPath)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Wrote", htmlPath)
	}
	return nil
}

// printProgress echoes progress and retry messages until events closes.
func printProgress(w io.Writer, events <-chan session.Event) {
	var last string
	for e := range events {
		msg := e.Progress
		if e.RetryStatus != "" {
			msg = e.RetryStatus
		}
		if msg == "" || msg == last {
			continue
		}
		last = msg
		fmt.Fprintln(w, msg)
	}
}

func printReport(w io.Writer, report aggregate.Report) {
	s := report.Summary
	fmt.Fprintf(w, "Items: %d (%d ignored), units: %d\n", s.ItemCount, s.IgnoredCount, s.TotalUnits)
	fmt.Fprintf(w, "Typical: %.2f kW  Max: %.2f kW  Heat: %.0f BTU/h\n\n", s.TotalTypicalKW, s.TotalMaxKW, s.TotalBTU)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tITEMS\tUNITS\tTYPICAL kW\tMAX kW\tBTU/h")
	for _, g := range report.Groups {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.2f\t%.0f\n", g.Family, len(g.Items), g.Units, g.TypicalKW, g.MaxKW, g.BTU)
	}
	tw.Flush()

	if len(s.Categories) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tMAX kW")
	for _, c := range s.Categories {
		fmt.Fprintf(tw, "%s\t%.2f\n", c.Category, c.MaxKW)
	}
	tw.Flush()
}
