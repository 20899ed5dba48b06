package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"gitlab.com/tozd/go/inproc"
)

var rootCmd = &cobra.Command{ //nolint:exhaustruct,gochecknoglobals
	Use:          "inproc",
	Short:        "Inspect the current process: modules, ranges, threads",
	SilenceUsage: true,
}

var modulesCmd = &cobra.Command{ //nolint:exhaustruct,gochecknoglobals
	Use:   "modules",
	Short: "List loaded modules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Name", "Base", "Size", "Path"})
		errE := inproc.EnumerateModules(func(m *inproc.Module) bool {
			table.Append([]string{
				m.Name,
				formatAddress(m.Range.Base),
				strconv.FormatUint(uint64(m.Range.Size), 10),
				m.Path,
			})
			return true
		})
		if errE != nil {
			return errE
		}
		table.Render()
		return nil
	},
}

var rangesCmd = &cobra.Command{ //nolint:exhaustruct,gochecknoglobals
	Use:   "ranges",
	Short: "List memory mappings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		prot := inproc.ProtNone
		if rangesExecutable {
			prot = inproc.ProtExecute
		}
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Base", "Size", "Prot", "Offset", "Path"})
		errE := inproc.EnumerateRanges(prot, func(details *inproc.RangeDetails) bool {
			path := ""
			offset := ""
			if details.File != nil {
				path = details.File.Path
				offset = fmt.Sprintf("%#x", details.File.Offset)
			}
			table.Append([]string{
				formatAddress(details.Range.Base),
				strconv.FormatUint(uint64(details.Range.Size), 10),
				details.Protection.String(),
				offset,
				path,
			})
			return true
		})
		if errE != nil {
			return errE
		}
		table.Render()
		return nil
	},
}

var threadsCmd = &cobra.Command{ //nolint:exhaustruct,gochecknoglobals
	Use:   "threads",
	Short: "List threads with captured program counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"TID", "Name", "State", "PC", "SP"})
		errE := inproc.EnumerateThreads(func(t *inproc.Thread) bool {
			table.Append([]string{
				strconv.Itoa(t.ID),
				t.Name,
				t.State.String(),
				formatAddress(uintptr(t.Context.PC())),
				formatAddress(uintptr(t.Context.SP())),
			})
			return true
		})
		if errE != nil {
			return errE
		}
		table.Render()
		return nil
	},
}

var programCmd = &cobra.Command{ //nolint:exhaustruct,gochecknoglobals
	Use:   "program",
	Short: "Show the program, interpreter and vDSO descriptors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pm := inproc.QueryProgramModules()
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Role", "Name", "Base", "Size", "Path"})
		for _, row := range []struct {
			role   string
			module inproc.Module
		}{
			{"program", pm.Program},
			{"interpreter", pm.Interpreter},
			{"vdso", pm.VDSO},
		} {
			table.Append([]string{
				row.role,
				row.module.Name,
				formatAddress(row.module.Range.Base),
				strconv.FormatUint(uint64(row.module.Range.Size), 10),
				row.module.Path,
			})
		}
		table.Render()
		if pm.RTLD == inproc.RTLDShared {
			fmt.Fprintln(cmd.OutOrStdout(), "rtld: shared")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "rtld: none")
		}
		return nil
	},
}

var rangesExecutable bool //nolint:gochecknoglobals

func formatAddress(address uintptr) string {
	return fmt.Sprintf("%#x", address)
}

func init() { //nolint:gochecknoinits
	rangesCmd.Flags().BoolVar(&rangesExecutable, "executable", false, "Only executable mappings")
	rootCmd.AddCommand(modulesCmd, rangesCmd, threadsCmd, programCmd)
}
