package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/watermark"
)

type markFlags struct {
	specFile string
	text     string
	image    string
	qrcode   string
	position string
	opacity  float64
}

// specs builds the watermark list from --spec-file, or from the inline
// flags when no file is given.
func (f markFlags) specs() ([]model.WatermarkSpec, error) {
	var specs []model.WatermarkSpec
	if f.specFile != "" {
		data, err := os.ReadFile(f.specFile)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.specFile, err)
		}
	}

	pos := model.Position(f.position)
	if f.text != "" {
		specs = append(specs, model.WatermarkSpec{Type: model.WatermarkText, Position: pos, Text: f.text, Opacity: f.opacity})
	}
	if f.image != "" {
		specs = append(specs, model.WatermarkSpec{Type: model.WatermarkImage, Position: pos, ImagePath: f.image, Opacity: f.opacity})
	}
	if f.qrcode != "" {
		specs = append(specs, model.WatermarkSpec{Type: model.WatermarkQRCode, Position: pos, Data: f.qrcode, Opacity: f.opacity})
	}
	if len(specs) == 0 {
		return nil, errors.New("no watermarks given: use --text, --image, --qrcode or --spec-file")
	}
	for _, s := range specs {
		if err := s.Check(); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

func newWatermarkCommand(ctx *commandContext) *cobra.Command {
	var (
		marks    markFlags
		outDir   string
		suffix   string
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "watermark <input>...",
		Short: "Overlay watermarks onto one or more videos",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := marks.specs()
			if err != nil {
				return err
			}
			factory, err := ctx.factory()
			if err != nil {
				return err
			}

			batch := watermark.New(factory, ctx.logger()).ProcessBatch(cmd.Context(), args, watermark.BatchOptions{
				Watermarks: specs,
				OutputDir:  outDir,
				Suffix:     suffix,
				Parallel:   parallel,
			})

			if ctx.jsonOutput() {
				if err := writeJSON(cmd, batch); err != nil {
					return err
				}
			} else {
				printBatch(cmd, batch)
			}
			if batch.TotalFailed > 0 {
				return fmt.Errorf("%d of %d inputs failed", batch.TotalFailed, len(batch.Results))
			}
			return nil
		},
	}

	addMarkFlags(cmd, &marks)
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "Output directory (defaults to each input's directory)")
	cmd.Flags().StringVar(&suffix, "suffix", "", "Suffix added to output file names")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "Inputs processed at once")
	return cmd
}

func newProtectCommand(ctx *commandContext) *cobra.Command {
	var text, url string

	cmd := &cobra.Command{
		Use:   "protect <input> <output>",
		Short: "Apply the layered copyright protection marks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return errors.New("--text is required")
			}
			factory, err := ctx.factory()
			if err != nil {
				return err
			}

			res, err := watermark.New(factory, ctx.logger()).ApplyProtection(cmd.Context(), args[0], args[1], text, watermark.ProtectionOptions{URL: url})
			if ctx.jsonOutput() && res != nil {
				if werr := writeJSON(cmd, res); werr != nil {
					return werr
				}
			} else if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d layers applied\n", res.OutputPath, res.WatermarksApplied)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Copyright holder text")
	cmd.Flags().StringVar(&url, "url", "", "Link encoded into a QR code layer")
	return cmd
}

func addMarkFlags(cmd *cobra.Command, f *markFlags) {
	cmd.Flags().StringVar(&f.specFile, "spec-file", "", "JSON file holding a list of watermark specs")
	cmd.Flags().StringVar(&f.text, "text", "", "Text watermark")
	cmd.Flags().StringVar(&f.image, "image", "", "Image watermark path")
	cmd.Flags().StringVar(&f.qrcode, "qrcode", "", "Data encoded as a QR code watermark")
	cmd.Flags().StringVar(&f.position, "position", string(model.PositionBottomRight), "Anchor for inline watermarks")
	cmd.Flags().Float64Var(&f.opacity, "opacity", 0.8, "Opacity for inline watermarks")
}

func printBatch(cmd *cobra.Command, batch *model.BatchResult) {
	rows := make([][]string, 0, len(batch.Results))
	for _, r := range batch.Results {
		status := "ok"
		if !r.Success {
			status = r.Error
		}
		rows = append(rows, []string{r.Input, r.OutputPath, strconv.Itoa(r.WatermarksApplied), status})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable([]string{"Input", "Output", "Marks", "Status"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
	fmt.Fprintf(out, "Processed: %d, failed: %d\n", batch.TotalProcessed, batch.TotalFailed)
}
