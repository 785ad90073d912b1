package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reelforge/api/internal/abr"
	"github.com/reelforge/api/internal/model"
)

func newABRCommand(ctx *commandContext) *cobra.Command {
	var (
		preset     string
		format     string
		segment    int
		encrypt    bool
		thumbnails bool
		fps        float64
	)

	cmd := &cobra.Command{
		Use:   "abr <source> <output-dir>",
		Short: "Encode an adaptive bitrate ladder with its manifests",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			levels, err := model.PresetLevels(preset)
			if err != nil {
				return err
			}
			factory, err := ctx.factory()
			if err != nil {
				return err
			}
			prober, err := ctx.prober()
			if err != nil {
				return err
			}

			gen := abr.New(factory(), prober, ctx.logger())
			manifest, err := gen.Generate(cmd.Context(), abr.Request{
				SourcePath:         args[0],
				OutputDir:          args[1],
				QualityLevels:      levels,
				Format:             model.ManifestFormat(format),
				SegmentDuration:    segment,
				FrameRate:          fps,
				EnableEncryption:   encrypt,
				GenerateThumbnails: thumbnails,
			}, func(completed, total int) {
				if !ctx.jsonOutput() {
					fmt.Fprintf(cmd.ErrOrStderr(), "tier %d/%d done\n", completed, total)
				}
			})
			if err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, manifest)
			}
			printManifest(cmd, manifest)
			return nil
		},
	}

	cmd.Flags().StringVar(&preset, "preset", model.PresetStandard, "Quality preset (basic, standard, premium)")
	cmd.Flags().StringVar(&format, "format", string(model.ManifestHLS), "Manifest format (hls, dash)")
	cmd.Flags().IntVar(&segment, "segment", 0, "Segment duration in seconds")
	cmd.Flags().Float64Var(&fps, "fps", 0, "Source frame rate for keyframe placement (probed when 0)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt HLS segments with AES-128")
	cmd.Flags().BoolVar(&thumbnails, "thumbnails", false, "Extract one thumbnail per tier")
	return cmd
}

func printManifest(cmd *cobra.Command, m *model.RenditionManifest) {
	rows := make([][]string, 0, len(m.QualityLevels))
	for _, l := range m.QualityLevels {
		rows = append(rows, []string{l.Name, l.Resolution(), strconv.Itoa(l.BitrateKbps) + " kbps"})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable([]string{"Level", "Resolution", "Bitrate"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
	fmt.Fprintf(out, "Manifest: %s\n", m.MasterPlaylistPath)
	fmt.Fprintf(out, "Files:    %d (%s)\n", len(m.Files), humanize.Bytes(uint64(m.TotalSize)))
	if m.Duration > 0 {
		fmt.Fprintf(out, "Duration: %.1fs\n", m.Duration)
	}
	if m.EncryptionKey != "" {
		fmt.Fprintf(out, "Key:      %s\n", m.EncryptionKey)
	}
}
