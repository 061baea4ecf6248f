package main

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tissuealign/internal/circles"
	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/masking"
	"tissuealign/internal/overlay"
	"tissuealign/internal/pipeline"
	"tissuealign/internal/session"
	"tissuealign/internal/source"
	"tissuealign/pkg/colorutil"
)

func newMasksCmd(opts *globalOptions) *cobra.Command {
	var outDir, overlayPath string
	cmd := &cobra.Command{
		Use:   "masks <input>",
		Short: "Generate filled and with-holes tissue masks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := opts.openSource(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.configFor(src.Modality())
			if err != nil {
				return err
			}
			p := pipeline.New(opts.logger())
			res, log, err := p.Masks(cmd.Context(), src, cfg)
			if err != nil {
				return err
			}
			printLog(cmd.ErrOrStderr(), log)

			if outDir != "" {
				if err := os.MkdirAll(outDir, 0755); err != nil {
					return fmt.Errorf("error creating output directory: %w", err)
				}
				if err := writeMaskPNG(filepath.Join(outDir, "mask_filled.png"), res.Filled); err != nil {
					return err
				}
				if err := writeMaskPNG(filepath.Join(outDir, "mask_with_holes.png"), res.WithHoles); err != nil {
					return err
				}
			}
			if overlayPath != "" {
				if err := writeMaskOverlay(overlayPath, src, cfg, res); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Source  string           `json:"source"`
				Width   int              `json:"width"`
				Height  int              `json:"height"`
				Area    int              `json:"filled_area"`
				Report  any              `json:"report"`
				Markers []circles.Circle `json:"markers,omitempty"`
			}{src.ID(), res.Filled.Width, res.Filled.Height, res.Filled.Area(), res.Report, res.Markers})
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write mask PNGs into")
	cmd.Flags().StringVar(&overlayPath, "overlay", "", "write a PNG of the image with mask outline and markers")
	return cmd
}

func newCirclesCmd(opts *globalOptions) *cobra.Command {
	var radius [2]int
	cmd := &cobra.Command{
		Use:   "circles <input>",
		Short: "Detect circular fiducial markers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := opts.openSource(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.configFor(src.Modality())
			if err != nil {
				return err
			}
			if radius[0] > 0 && radius[1] > 0 {
				cfg = cfg.WithCircleRadius(radius[0], radius[1])
				if err := cfg.Validate(); err != nil {
					return err
				}
			} else if fs, ok := src.(source.FiducialSource); ok {
				cfg = cfg.WithFiducialRadius(fs.FiducialRadius())
			}
			im, err := src.LoadImage(source.ChannelSelector(cfg.Mask.Channel))
			if err != nil {
				return err
			}
			cs, err := circles.NewDetector(opts.logger()).Detect(cmd.Context(), im, cfg.Circles)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Circles []circles.Circle `json:"circles"`
				Stats   circles.Stats    `json:"stats"`
			}{cs, circles.ComputeStats(cs)})
		},
	}
	cmd.Flags().IntVar(&radius[0], "min-radius", 0, "minimum marker radius in pixels")
	cmd.Flags().IntVar(&radius[1], "max-radius", 0, "maximum marker radius in pixels")
	return cmd
}

func newAlignCmd(opts *globalOptions) *cobra.Command {
	var (
		strategy       string
		movingModality string
		outPath        string
		masksDir       string
		overlayPath    string
		sessionPath    string
	)
	cmd := &cobra.Command{
		Use:   "align <reference> <moving>",
		Short: "Register a moving image onto a reference image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := opts.openSource(args[0])
			if err != nil {
				return err
			}
			movMod := movingModality
			if movMod == "" {
				movMod = opts.modality
			}
			mov, err := source.Open(args[1], movMod)
			if err != nil {
				return err
			}

			p := pipeline.New(opts.logger())
			progress := func(v float64, stage string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%3.0f%% %-24s", v*100, stage)
				if v >= 1 {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
			}

			var (
				out        pipeline.Outcome
				configHash string
			)
			if opts.configPath != "" {
				cfg, err := opts.configFor(ref.Modality())
				if err != nil {
					return err
				}
				configHash = cfg.Hash()
				out = p.RunWithConfig(cmd.Context(), ref, mov, cfg, strategy, progress)
			} else {
				if opts.workers > 0 {
					for _, m := range []string{ref.Modality(), mov.Modality()} {
						cfg, _ := p.Registry.Lookup(m)
						if err := p.Registry.Register(m, cfg.WithWorkers(opts.workers)); err != nil {
							return err
						}
					}
				}
				out = p.Run(cmd.Context(), ref, mov, strategy, progress)
				refCfg, _ := p.Registry.Lookup(ref.Modality())
				configHash = refCfg.Hash()
			}

			if sessionPath != "" {
				sess := session.FromOutcome(out, configHash)
				sess.ReferenceModality, sess.MovingModality = ref.Modality(), mov.Modality()
				sess.SetImages(sessionPath, args[0], args[1])
				if err := sess.Save(sessionPath); err != nil {
					return fmt.Errorf("error saving session: %w", err)
				}
			}

			if masksDir != "" && out.ReferenceMask.Width > 0 {
				if err := os.MkdirAll(masksDir, 0755); err != nil {
					return fmt.Errorf("error creating mask directory: %w", err)
				}
				if err := writeMaskPNG(filepath.Join(masksDir, "reference_mask.png"), out.ReferenceMask); err != nil {
					return err
				}
				if err := writeMaskPNG(filepath.Join(masksDir, "moving_mask.png"), out.MovingMask); err != nil {
					return err
				}
			}

			if overlayPath != "" && out.Result != nil {
				if err := writeRegistrationOverlay(overlayPath, ref, mov, out); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("error creating outcome file: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := writeJSON(w, out); err != nil {
				return err
			}

			switch out.Status {
			case pipeline.StatusPartial:
				return &exitError{code: 5, msg: "partial result: " + out.Error}
			case pipeline.StatusFailed:
				return out.Err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&strategy, "strategy", "s", "", "parametric, feature or auto (default from configuration)")
	f.StringVar(&movingModality, "moving-modality", "", "modality of the moving input when it differs from --modality")
	f.StringVarP(&outPath, "out", "o", "", "write the outcome JSON here instead of stdout")
	f.StringVar(&masksDir, "masks", "", "directory to write the masks used for registration")
	f.StringVar(&sessionPath, "save", "", "save the outcome as a session file for later mapping")
	f.StringVar(&overlayPath, "overlay", "", "write a PNG blending the reference (magenta) with the registered moving image (green)")
	return cmd
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configurations",
	}

	var format string
	show := &cobra.Command{
		Use:   "show [modality]",
		Short: "Print the effective configuration for a modality",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modality := config.ModalityGeneric
			if len(args) == 1 {
				modality = args[0]
			}
			cfg, err := opts.configFor(modality)
			if err != nil {
				return err
			}
			data, err := config.Encode(cfg, config.Format(format))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVarP(&format, "format", "f", string(config.FormatYAML), "output format (yaml or toml)")

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], opts.modality)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (modality %s, hash %s)\n", args[0], cfg.Modality, cfg.Hash()[:12])
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeMaskPNG(path string, m imaging.Mask) error {
	return writePNG(path, m.ToGray())
}

func writeMaskOverlay(path string, src source.Source, cfg config.Config, res masking.Result) error {
	im, err := src.LoadImage(source.ChannelSelector(cfg.Mask.Channel))
	if err != nil {
		return err
	}
	img, err := overlay.Image(im, -1)
	if err != nil {
		return err
	}
	if img.Bounds().Dx() == res.Filled.Width && img.Bounds().Dy() == res.Filled.Height {
		overlay.DrawMaskOutline(img, res.Filled, colorutil.Yellow)
	}
	overlay.DrawCircles(img, res.Markers, colorutil.Cyan)
	return writePNG(path, img)
}

// writeRegistrationOverlay renders in native moving pixels, so the
// harmonization scale is folded into the transform.
func writeRegistrationOverlay(path string, ref, mov source.Source, out pipeline.Outcome) error {
	refImg, err := ref.LoadImage(source.AllChannels)
	if err != nil {
		return err
	}
	movImg, err := mov.LoadImage(source.AllChannels)
	if err != nil {
		return err
	}
	t := out.Result.Transform
	if out.NativeTransform != nil {
		t = *out.NativeTransform
	}
	img, err := overlay.Registration(refImg, movImg, t, -1, -1)
	if err != nil {
		return err
	}
	return writePNG(path, img)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("error encoding %s: %w", path, err)
	}
	return nil
}

func printLog(w io.Writer, entries []pipeline.LogEntry) {
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
}
