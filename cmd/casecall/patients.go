package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hubenschmidt/casecall/internal/kv"
	"github.com/hubenschmidt/casecall/internal/patients"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	summaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

var patientsCmd = &cobra.Command{
	Use:   "patients [name]",
	Short: "List patients with their saved summaries",
	Long: `List the patient records with any saved call summaries applied.
With a name, print that patient's full record.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := kv.Open(cfg.storeBackend, cfg.storePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		base, err := patients.LoadSeed(cfg.patientsFile)
		if err != nil {
			return err
		}
		list, err := patients.NewOverrideStore(store).LoadMerged(cmd.Context(), base)
		if err != nil {
			return fmt.Errorf("failed to load overrides: %w", err)
		}

		if len(args) == 1 {
			p, ok := patients.FindByName(list, args[0])
			if !ok {
				return fmt.Errorf("no patient named %q", args[0])
			}
			renderPatient(cmd.OutOrStdout(), p)
			return nil
		}
		renderPatients(cmd.OutOrStdout(), list)
		return nil
	},
}

func renderPatients(out io.Writer, list []patients.Patient) {
	if len(list) == 0 {
		fmt.Fprintln(out, headerStyle.Render("No patients"))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d patient(s)", len(list))))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, titleStyle.Render("Patient")+"\t"+titleStyle.Render("Age")+"\t"+titleStyle.Render("Sex")+"\t"+titleStyle.Render("Caller")+"\t"+titleStyle.Render("Summary")+"\t")
	for _, p := range list {
		summary := dimStyle.Render("none")
		if p.FinalSummary != "" {
			summary = summaryStyle.Render("saved " + p.DateModified)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n",
			p.PatientName, strconv.Itoa(p.PatientAge), p.PatientSex, p.CallerName, summary)
	}
	w.Flush()
}

func renderPatient(out io.Writer, p patients.Patient) {
	fmt.Fprintln(out, headerStyle.Render(p.PatientName))
	fmt.Fprintf(out, "%s %d, %s\n", dimStyle.Render("age/sex:"), p.PatientAge, p.PatientSex)
	fmt.Fprintf(out, "%s %s\n", dimStyle.Render("caller:"), p.CallerName)
	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Case history"))
	fmt.Fprintln(out, strings.TrimSpace(p.CaseHistory))
	if p.FinalSummary != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Final summary")+" "+dimStyle.Render(p.DateModified))
		fmt.Fprintln(out, summaryStyle.Render(strings.TrimSpace(p.FinalSummary)))
	}
}
