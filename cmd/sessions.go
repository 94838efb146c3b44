package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

var (
	sessionsFrom string
	sessionsTo   string
	logsDate     string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show work sessions (check-in, check-out, hours, status) for a date range",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		now := time.Now()
		from, err := parseDate(sessionsFrom, now)
		if err != nil {
			utils.Die("Invalid --from date", err, nil)
		}
		to, err := parseDate(sessionsTo, now)
		if err != nil {
			utils.Die("Invalid --to date", err, nil)
		}
		if to.Before(from) {
			utils.Die("--to is before --from", nil, nil)
		}

		sessions, err := DB.WorkSessions(cmd.Context(), from, to)
		if err != nil {
			utils.Die("Failed to load work sessions", err, nil)
		}
		if len(sessions) == 0 {
			fmt.Println("No work sessions found.")
			return
		}
		printSessions(os.Stdout, sessions, store.DefaultWorkday, now)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <employee_id>",
	Short: "Show an employee's raw attendance events for one day",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		day, err := parseDate(logsDate, time.Now())
		if err != nil {
			utils.Die("Invalid --date", err, nil)
		}
		events, err := DB.AttendanceLogs(cmd.Context(), args[0], day)
		if err != nil {
			utils.Die("Failed to load attendance logs", err, nil)
		}
		if len(events) == 0 {
			fmt.Printf("No attendance events for %s on %s.\n", args[0], day.Format(dateLayout))
			return
		}
		printLogs(os.Stdout, events)
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsFrom, "from", "", "First day, YYYY-MM-DD (default: today)")
	sessionsCmd.Flags().StringVar(&sessionsTo, "to", "", "Last day, YYYY-MM-DD (default: today)")
	logsCmd.Flags().StringVarP(&logsDate, "date", "d", "", "Day, YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(sessionsCmd, logsCmd)
}

// parseDate reads a local calendar day. Empty means the day of now.
func parseDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	return time.ParseInLocation(dateLayout, s, now.Location())
}

func printSessions(out io.Writer, sessions []types.WorkSession, wd store.Workday, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DATE\tID\tNAME\tCHECK IN\tCHECK OUT\tHOURS\tCREDITED\tSTATUS")
	fmt.Fprintln(w, "----\t--\t----\t--------\t---------\t-----\t--------\t------")

	var total float64
	for _, s := range sessions {
		credited := wd.CreditedHours(s, now)
		total += credited
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			s.WorkDate.Format(dateLayout), s.EmployeeID, s.FullName,
			clockOrDash(s.CheckIn), clockOrDash(s.CheckOut),
			hoursOrDash(s), credited, orDash(s.Status))
	}
	fmt.Fprintf(w, "\t\t\t\t\t\t%.2f\tTOTAL\n", total)
	w.Flush()
}

func printLogs(out io.Writer, events []types.AttendanceEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tCONFIDENCE\tIMAGE")
	fmt.Fprintln(w, "----\t----\t----------\t-----")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%.2f%%\t%s\n", ev.Timestamp.Format("15:04:05"), ev.Kind, ev.Confidence, orDash(ev.EvidencePath))
	}
	w.Flush()
}

func clockOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("15:04")
}

func hoursOrDash(s types.WorkSession) string {
	if s.CheckOut == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", s.WorkingHours)
}
