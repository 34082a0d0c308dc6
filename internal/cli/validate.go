package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chainrunner/internal/binding"
	"chainrunner/internal/chain"
	"chainrunner/internal/comfy"
)

// StepReport is the dry-run view of one step.
type StepReport struct {
	Index       int                  `json:"index"`
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	OutputNodes []string             `json:"outputNodes"`
	Bindings    []binding.Resolution `json:"bindings"`
}

type ValidationReport struct {
	Valid bool         `json:"valid"`
	Chain string       `json:"chain"`
	Steps []StepReport `json:"steps"`
	Error string       `json:"error,omitempty"`
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <chain.json|chain.yaml>",
		Short:         "Check a chain file and report how its bindings resolve",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(rootOpts, cmd.ErrOrStderr())
			c, err := chain.LoadFile(args[0])
			if err != nil {
				return err
			}
			report := Validate(c)
			p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if err := p.emit(report, describeReport(report)); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("chain %s is invalid: %s", c.DisplayName(), report.Error)
			}
			return nil
		},
	}
}

// Validate checks c and resolves every binding against placeholder outputs
// of the earlier steps, without contacting any server.
func Validate(c chain.Chain) ValidationReport {
	report := ValidationReport{Valid: true, Chain: c.DisplayName(), Steps: []StepReport{}}
	if err := c.Validate(); err != nil {
		report.Valid = false
		report.Error = err.Error()
		return report
	}

	resolver := binding.Resolver{Steps: c.Steps, Cache: binding.NewOutputCache()}
	for i, step := range c.Steps {
		_, res := resolver.Resolve(step.JobGraph, step.InputBindings, i)
		outputs := comfy.DetectOutputNodes(step.JobGraph)
		report.Steps = append(report.Steps, StepReport{
			Index:       i,
			ID:          step.ID,
			Name:        step.DisplayName(),
			OutputNodes: outputs,
			Bindings:    res,
		})
		for _, node := range outputs {
			resolver.Cache.Put(step.ID, node, fmt.Sprintf("%s/<%s.%s>", "chain_result", step.ID, node))
		}
	}
	return report
}

func describeReport(r ValidationReport) string {
	if !r.Valid {
		return fmt.Sprintf("%s: invalid: %s", r.Chain, r.Error)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d steps", r.Chain, len(r.Steps))
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "\n  %d. %s (outputs: %s)", s.Index+1, s.Name, strings.Join(s.OutputNodes, ", "))
		for _, res := range s.Bindings {
			line := fmt.Sprintf("\n     %s %s %s", res.Key, res.Kind, res.Outcome)
			if res.Reason != "" {
				line += ": " + res.Reason
			}
			b.WriteString(line)
		}
	}
	return b.String()
}
