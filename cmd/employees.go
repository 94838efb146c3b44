package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var employeeOpts struct {
	Department string
	Position   string
}

var employeesCmd = &cobra.Command{
	Use:     "employees",
	Aliases: []string{"emp"},
	Short:   "Manage enrolled employees",
}

var employeesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all employees in the database",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

var employeesAddCmd = &cobra.Command{
	Use:   "add <employee_id> <full_name>",
	Short: "Add an employee without a face encoding (use enroll to add one)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := types.Employee{ID: args[0], FullName: args[1], Department: employeeOpts.Department, Position: employeeOpts.Position}
		if err := DB.AddEmployee(cmd.Context(), e); err != nil {
			utils.Die("Failed to add employee", err, nil)
		}
		fmt.Printf("✅ Employee %s saved as '%s'\n", e.ID, e.FullName)
	},
}

var employeesRenameCmd = &cobra.Command{
	Use:   "rename <employee_id> <full_name>",
	Short: "Change an employee's display name",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runRename(cmd.Context(), args[0], args[1])
	},
}

var employeesDeleteCmd = &cobra.Command{
	Use:   "delete <employee_id>",
	Short: "Delete an employee with their encodings and attendance history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		if !confirm(stdinReader(), fmt.Sprintf("⚠️  Delete employee %s and all of their attendance records?", id)) {
			return
		}
		if err := DB.DeleteEmployee(cmd.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				utils.Die(fmt.Sprintf("Employee %s does not exist", id), nil, nil)
			}
			utils.Die("Failed to delete employee", err, nil)
		}
		fmt.Printf("🗑️  Employee %s deleted\n", id)
	},
}

func init() {
	employeesAddCmd.Flags().StringVar(&employeeOpts.Department, "department", "", "Department")
	employeesAddCmd.Flags().StringVar(&employeeOpts.Position, "position", "", "Position")
	employeesCmd.AddCommand(employeesListCmd, employeesAddCmd, employeesRenameCmd, employeesDeleteCmd)
	rootCmd.AddCommand(employeesCmd)
}

func runList(ctx context.Context) {
	employees, err := DB.ListEmployees(ctx)
	if err != nil {
		utils.Die("Failed to list employees", err, nil)
	}

	if len(employees) == 0 {
		fmt.Println("No employees found in database.")
		return
	}
	printEmployees(os.Stdout, employees)
}

func printEmployees(out io.Writer, employees []types.Employee) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEPARTMENT\tPOSITION\tFACE COUNT\tCREATED")
	fmt.Fprintln(w, "--\t----\t----------\t--------\t----------\t-------")

	for _, e := range employees {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", e.ID, e.FullName, orDash(e.Department), orDash(e.Position), e.Encodings, e.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func runRename(ctx context.Context, id, name string) {
	if err := DB.RenameEmployee(ctx, id, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Die(fmt.Sprintf("Employee %s does not exist", id), nil, nil)
		}
		utils.Die("Failed to rename employee", err, nil)
	}

	fmt.Printf("✅ Employee %s renamed to '%s'\n", id, name)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
