package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/candidate-pipeline/internal/input"
	"github.com/sells-group/candidate-pipeline/internal/pipeline"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a bulk job from a JSON, YAML, CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		var opts input.Options
		opts.Sheet, _ = cmd.Flags().GetString("sheet")
		opts.Municipality, _ = cmd.Flags().GetString("municipality-col")
		opts.State, _ = cmd.Flags().GetString("state-col")
		opts.Position, _ = cmd.Flags().GetString("position-col")
		groups, err := input.LoadFile(ctx, path, opts)
		if err != nil {
			return err
		}

		req, err := submitRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		req.Groups = groups

		env, err := initEnv(ctx, "submit")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Submit(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func submitRequestFromFlags(cmd *cobra.Command) (pipeline.SubmitRequest, error) {
	var req pipeline.SubmitRequest
	req.DisplayName, _ = cmd.Flags().GetString("display-name")
	req.UploadedBy, _ = cmd.Flags().GetString("uploaded-by")
	req.Notes, _ = cmd.Flags().GetString("notes")
	req.ForceHidden, _ = cmd.Flags().GetBool("force-hidden")
	req.RowLimit, _ = cmd.Flags().GetInt("row-limit")

	files := []struct {
		flag string
		dst  *string
	}{
		{"analyze-prompt", &req.AnalyzePrompt},
		{"structure-prompt", &req.StructurePrompt},
	}
	for _, f := range files {
		path, _ := cmd.Flags().GetString(f.flag)
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return req, eris.Wrapf(err, "read --%s", f.flag)
		}
		*f.dst = string(b)
	}

	if path, _ := cmd.Flags().GetString("schema"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return req, eris.Wrap(err, "read --schema")
		}
		req.Schema = b
	}
	return req, nil
}

func addSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "groups file (.json, .yaml, .csv or .xlsx)")
	cmd.Flags().String("sheet", "", "XLSX sheet name (default first sheet)")
	cmd.Flags().String("municipality-col", "", "CSV/XLSX column holding the municipality (default \"municipality\")")
	cmd.Flags().String("state-col", "", "CSV/XLSX column holding the state (default \"state\")")
	cmd.Flags().String("position-col", "", "CSV/XLSX column holding the position (default \"position\")")
	cmd.Flags().String("display-name", "", "job display name")
	cmd.Flags().String("uploaded-by", "", "uploader identity recorded on the job")
	cmd.Flags().String("notes", "", "free-form job notes")
	cmd.Flags().Bool("force-hidden", false, "ingest every candidate record as hidden")
	cmd.Flags().Int("row-limit", 0, "per-group row cap (default tier cap)")
	cmd.Flags().String("analyze-prompt", "", "file overriding the analyze prompt")
	cmd.Flags().String("structure-prompt", "", "file overriding the structure prompt")
	cmd.Flags().String("schema", "", "JSON Schema file for structured output")
}

func init() {
	addSubmitFlags(submitCmd)
	_ = submitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(submitCmd)
}
