package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/procmon/buffer"
	"github.com/jnesss/procmon/control"
	"github.com/jnesss/procmon/database"
	"github.com/jnesss/procmon/sigma"
	"github.com/jnesss/procmon/types"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream process events from a running engine",
	RunE:  runEvents,
}

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List installed or loaded drivers",
	RunE:  runDrivers,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List active devices",
	RunE:  runDevices,
}

func init() {
	f := eventsCmd.Flags()
	f.Duration("interval", 500*time.Millisecond, "polling interval")
	f.String("rules", "", "Sigma rules directory; matching rows are flagged")
	f.String("db", "", "SQLite file to record events and rule matches into")

	for _, c := range []*cobra.Command{driversCmd, devicesCmd} {
		c.Flags().Int("limit", 100, "maximum records to request")
		c.Flags().Bool("refresh", false, "re-issue the request on Enter, q to quit")
	}
	driversCmd.Flags().Bool("loaded", false, "list drivers resident in memory")
	driversCmd.Flags().Bool("installed", false, "list configured drivers (default)")
	driversCmd.MarkFlagsMutuallyExclusive("loaded", "installed")
}

func dial(ctx context.Context) (*control.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return control.Dial(dialCtx, cfg.Socket)
}

func formatHash(sum [types.HashSize]byte, valid bool) string {
	if !valid {
		return "N/A"
	}
	return hex.EncodeToString(sum[:])
}

func formatEvent(e types.Event, matches []sigma.Match) string {
	line := fmt.Sprintf("%s  %-6s  %6d  %6d  %-48s  %s",
		e.Timestamp.Local().Format("15:04:05.000"),
		e.Kind, e.ProcessID, e.ParentProcessID, e.ImageName,
		formatHash(e.Hash, e.HashValid))
	for _, m := range matches {
		line += fmt.Sprintf("  [%s: %s]", m.Level, m.Title)
	}
	return line
}

func runEvents(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	rulesDir, _ := cmd.Flags().GetString("rules")
	dbPath, _ := cmd.Flags().GetString("db")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var detector *sigma.Detector
	if rulesDir != "" {
		d, err := sigma.NewDetector(rulesDir, logger.Named("sigma"), nil)
		if err != nil {
			return err
		}
		if err := d.Watch(ctx); err != nil {
			logger.Warn("Rule reload disabled", zap.Error(err))
		}
		defer d.Close()
		detector = d
	}

	var db *database.DB
	if dbPath != "" {
		if err := dropPrivileges(); err != nil {
			logger.Debug("Keeping current privileges", zap.Error(err))
		}
		d, err := database.NewDB(dbPath)
		if err != nil {
			return err
		}
		defer d.Close()
		db = d
	}

	client, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-12s  %-6s  %6s  %6s  %-48s  %s\n", "TIME", "KIND", "PID", "PPID", "IMAGE", "MD5")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		events, err := client.Events(buffer.Capacity)
		if err != nil {
			return err
		}
		for _, e := range events {
			var matches []sigma.Match
			if detector != nil {
				matches = detector.Check(ctx, e)
			}
			if db != nil {
				recordEvent(db, e, matches)
			}
			fmt.Fprintln(out, formatEvent(e, matches))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func recordEvent(db *database.DB, e types.Event, matches []sigma.Match) {
	id, err := db.InsertEvent(e)
	if err != nil {
		logger.Warn("Failed to record event", zap.Error(err))
		return
	}
	for _, m := range matches {
		err := db.InsertMatch(database.MatchRecord{
			EventID: id, RuleID: m.RuleID, RuleName: m.Title, Severity: m.Level, Timestamp: e.Timestamp,
		})
		if err != nil {
			logger.Warn("Failed to record rule match", zap.Error(err))
		}
	}
}

// repeat runs once, then again each time a line is entered on in until
// the line is q or in ends
func repeat(in io.Reader, refresh bool, run func() error) error {
	if err := run(); err != nil || !refresh {
		return err
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if strings.EqualFold(strings.TrimSpace(scanner.Text()), "q") {
			return nil
		}
		if err := run(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printDrivers(w io.Writer, res *control.DriversResponse) {
	fmt.Fprintf(w, "Total: %d (shown: %d)\n", res.Total, len(res.Drivers))
	for _, d := range res.Drivers {
		if d.BaseAddress != 0 {
			fmt.Fprintf(w, "%-24s  0x%016x  %8d  %s  %s\n", d.Name, d.BaseAddress, d.ImageSize, formatHash(d.Hash, d.HashValid), d.ImagePath)
			continue
		}
		fmt.Fprintf(w, "%-24s  start=%d  %s  %s\n", d.Name, d.StartPolicy, formatHash(d.Hash, d.HashValid), d.ImagePath)
	}
}

func printDevices(w io.Writer, res *control.DevicesResponse) {
	fmt.Fprintf(w, "Total: %d (shown: %d)\n", res.Total, len(res.Devices))
	for _, d := range res.Devices {
		fmt.Fprintf(w, "%-40s  %-16s  %s\n", d.DisplayName, d.ServiceName, d.InstanceID)
		if d.HardwareID != "" {
			fmt.Fprintf(w, "    hardware id: %s\n", d.HardwareID)
		}
	}
}

func runDrivers(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	refresh, _ := cmd.Flags().GetBool("refresh")
	loaded, _ := cmd.Flags().GetBool("loaded")

	client, err := dial(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	return repeat(cmd.InOrStdin(), refresh, func() error {
		var (
			res *control.DriversResponse
			err error
		)
		if loaded {
			res, err = client.LoadedDrivers(limit)
		} else {
			res, err = client.InstalledDrivers(limit)
		}
		if err != nil {
			return err
		}
		printDrivers(cmd.OutOrStdout(), res)
		return nil
	})
}

func runDevices(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	refresh, _ := cmd.Flags().GetBool("refresh")

	client, err := dial(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	return repeat(cmd.InOrStdin(), refresh, func() error {
		res, err := client.Devices(limit)
		if err != nil {
			return err
		}
		printDevices(cmd.OutOrStdout(), res)
		return nil
	})
}
