package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/crosslogic/usage-meter/internal/analytics"
	"github.com/crosslogic/usage-meter/internal/billing"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

var (
	reportUser  string
	reportStart string
	reportEnd   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a usage report for one caller",
	Example: `  usage-meter report --user demo-user
  usage-meter report --user demo-user --start 2025-11-01 --end 2025-11-30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envFrom(cmd)
		if err != nil {
			return err
		}

		r, err := reportRange(reportStart, reportEnd, time.Now().UTC())
		if err != nil {
			return err
		}

		a, err := newApp(env)
		if err != nil {
			return err
		}
		defer a.Close()

		overview, err := analytics.NewAggregator(a.store, env.logger).Overview(cmd.Context(), reportUser, r)
		if err != nil {
			return fmt.Errorf("failed to build report: %w", err)
		}

		renderReport(cmd.OutOrStdout(), reportUser, r, overview)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportUser, "user", "u", "", "caller ID")
	reportCmd.Flags().StringVar(&reportStart, "start", "", "first day, YYYY-MM-DD (default: 30 days ago)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "last day inclusive, YYYY-MM-DD (default: now)")
	_ = reportCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(reportCmd)
}

// reportRange turns inclusive day flags into a half-open range.
func reportRange(start, end string, now time.Time) (analytics.Range, error) {
	r := analytics.DefaultRange(now)
	if start != "" {
		t, err := time.Parse(dateLayout, start)
		if err != nil {
			return r, fmt.Errorf("invalid --start %q: want YYYY-MM-DD", start)
		}
		r.Start = t
	}
	if end != "" {
		t, err := time.Parse(dateLayout, end)
		if err != nil {
			return r, fmt.Errorf("invalid --end %q: want YYYY-MM-DD", end)
		}
		r.End = t.AddDate(0, 0, 1)
	}
	if !r.Start.Before(r.End) {
		return r, fmt.Errorf("--start must be before --end")
	}
	return r, nil
}

func renderReport(w io.Writer, user string, r analytics.Range, o *analytics.Overview) {
	fmt.Fprintf(w, "Usage for %s, %s to %s\n\n", user,
		r.Start.Format(dateLayout), r.End.Add(-time.Nanosecond).Format(dateLayout))

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Requests", "Tokens", "Cost", "Avg Tokens", "Avg Duration"})
	summary.Append([]string{
		strconv.FormatInt(o.Summary.RequestCount, 10),
		strconv.FormatInt(o.Summary.TotalTokens, 10),
		billing.FormatCost(o.Summary.TotalCost),
		strconv.FormatInt(o.Summary.AvgTokensPerRequest, 10),
		fmt.Sprintf("%dms", o.Summary.AvgDuration),
	})
	summary.Render()

	if len(o.Daily) > 0 {
		fmt.Fprintln(w, "\nBy day")
		daily := tablewriter.NewWriter(w)
		daily.SetHeader([]string{"Date", "Requests", "Tokens", "Cost"})
		for _, d := range o.Daily {
			daily.Append([]string{
				d.Date,
				strconv.FormatInt(d.RequestCount, 10),
				strconv.FormatInt(d.TotalTokens, 10),
				billing.FormatCost(d.TotalCost),
			})
		}
		daily.Render()
	}

	if len(o.ByModel) > 0 {
		fmt.Fprintln(w, "\nBy model")
		byModel := tablewriter.NewWriter(w)
		byModel.SetHeader([]string{"Model", "Requests", "Tokens", "Cost", "Share"})
		for _, m := range o.ByModel {
			byModel.Append([]string{
				m.Model,
				strconv.FormatInt(m.RequestCount, 10),
				strconv.FormatInt(m.TotalTokens, 10),
				billing.FormatCost(m.TotalCost),
				fmt.Sprintf("%.1f%%", m.Percentage),
			})
		}
		byModel.Render()
	}

	if len(o.ByTag) > 0 {
		fmt.Fprintln(w, "\nBy tag")
		byTag := tablewriter.NewWriter(w)
		byTag.SetHeader([]string{"Tag", "Requests", "Tokens", "Cost", "Share"})
		for _, t := range o.ByTag {
			byTag.Append([]string{
				t.Tag,
				strconv.FormatInt(t.RequestCount, 10),
				strconv.FormatInt(t.TotalTokens, 10),
				billing.FormatCost(t.TotalCost),
				fmt.Sprintf("%.1f%%", t.Percentage),
			})
		}
		byTag.Render()
	}
}
