package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/model"
)

var (
	eventsSession  string
	eventsType     string
	eventsAction   string
	eventsSeverity string
	eventsSince    time.Duration
	eventsLimit    int
	eventsFile     string
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsVerifyCmd)

	f := eventsListCmd.Flags()
	f.StringVar(&eventsSession, "session", "", "Only events from this session")
	f.StringVar(&eventsType, "type", "", "Only this event type (e.g. injection-attempt)")
	f.StringVar(&eventsAction, "action", "", "Only this action (blocked, flagged, redacted, discarded)")
	f.StringVar(&eventsSeverity, "min-severity", "", "Only events at or above this severity")
	f.DurationVar(&eventsSince, "since", 0, "Only events newer than this (e.g. 1h)")
	f.IntVar(&eventsLimit, "limit", 100, "Most recent N events; 0 for all")
	f.BoolVar(&outputJSON, "json", false, "Print JSON")

	eventsVerifyCmd.Flags().StringVar(&eventsFile, "file", "", "Event log to verify (default from config)")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the security event log",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List security events",
	RunE:  runEventsList,
}

func runEventsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	f := audit.Filter{
		SessionID:   eventsSession,
		Type:        model.EventType(eventsType),
		Action:      model.EventAction(eventsAction),
		MinSeverity: model.Level(eventsSeverity),
		Limit:       eventsLimit,
	}
	if eventsSince > 0 {
		f.From = time.Now().Add(-eventsSince)
	}
	events, err := b.ListSecurityEvents(ctx, f)
	if err != nil {
		return err
	}
	if outputJSON {
		out, err := audit.FormatJSON(events)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(audit.FormatTimeline(events))
	return nil
}

var eventsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the event log's hash chain",
	Long:  "Every event records the hash of the previous line. Verify walks the log and\nreports the first line where the chain breaks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := eventsFile
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.EventLogPath()
		}

		res := audit.Verify(path)
		if !res.Valid {
			if res.ErrorLine > 0 {
				return fmt.Errorf("%s: chain broken at line %d: %s", path, res.ErrorLine, res.Error)
			}
			return errors.New(path + ": " + res.Error)
		}
		fmt.Printf("%s: chain intact (%d events)\n", path, res.Lines)
		return nil
	},
}
