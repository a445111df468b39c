// Package model implements commands that inspect the configured model.
package model

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/pipeline"
	"github.com/tphakala/rxclassify/internal/tflitemodel"
)

// Command creates the model command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect the classification model",
	}
	cmd.AddCommand(infoCommand(settings))
	return cmd
}

func infoCommand(settings *conf.Settings) *cobra.Command {
	var asJSON, showLabels bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Load the model and print its input, output and labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := tflitemodel.Load(pipeline.ModelConfig(settings), afero.NewOsFs())
			if err != nil {
				return err
			}
			defer m.Close()

			return printInfo(cmd.OutOrStdout(), m.Info(), m.Labels(), settings.Classifier.TargetLabel, asJSON, showLabels)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().BoolVarP(&showLabels, "labels", "l", false, "List every label")

	return cmd
}

type infoOutput struct {
	tflitemodel.Info
	TargetLabel string   `json:"target_label"`
	TargetKnown bool     `json:"target_known"`
	LabelNames  []string `json:"label_names,omitempty"`
}

func printInfo(w io.Writer, info tflitemodel.Info, labels []string, target string, asJSON, showLabels bool) error {
	out := infoOutput{
		Info:        info,
		TargetLabel: target,
		TargetKnown: slices.Contains(labels, target),
	}
	if showLabels {
		out.LabelNames = labels
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "Model:       %s\n", info.ModelPath)
	fmt.Fprintf(w, "Input:       %dx%dx%d %s\n", info.InputWidth, info.InputHeight, info.InputChannels, info.InputType)
	fmt.Fprintf(w, "Output:      %d labels, %s, activation %s\n", info.Labels, info.OutputType, info.Activation)
	fmt.Fprintf(w, "Threads:     %d (XNNPACK %t)\n", info.Threads, info.XNNPACK)
	fmt.Fprintf(w, "Target:      %s", target)
	if !out.TargetKnown {
		fmt.Fprint(w, " (not in labels)")
	}
	fmt.Fprintln(w)

	if showLabels {
		fmt.Fprintln(w, "Labels:")
		for i, l := range labels {
			fmt.Fprintf(w, "  %3d  %s\n", i, l)
		}
	}
	return nil
}
