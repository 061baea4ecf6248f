package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"tissuealign/internal/regerr"
	"tissuealign/internal/session"
	"tissuealign/pkg/geometry"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect saved registrations and map coordinates through them",
	}

	show := &cobra.Command{
		Use:   "show <file>",
		Short: "Print a saved registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := session.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reference: %s (%s)\n", f.ReferenceImage(args[0]), f.ReferenceModality)
			fmt.Fprintf(out, "moving:    %s (%s)\n", f.MovingImage(args[0]), f.MovingModality)
			fmt.Fprintf(out, "status:    %s (%s) via %s\n", f.Status, f.Kind, f.Strategy)
			if f.Transform != nil {
				t := f.Transform
				fmt.Fprintf(out, "transform: %s scale %.4f rotation %.3f° translation (%.2f, %.2f)\n",
					t.Kind, t.ScaleFactor(), t.RotationDegrees(), t.Translation().X, t.Translation().Y)
				fmt.Fprintf(out, "fitness:   %.4f\n", f.Fitness)
			}
			for _, w := range f.Warnings {
				fmt.Fprintf(out, "warning:   %s\n", w)
			}
			return nil
		},
	}

	mapCmd := &cobra.Command{
		Use:   "map <file> <x,y>...",
		Short: "Map native moving-image pixel coordinates into the reference frame",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := session.Load(args[0])
			if err != nil {
				return err
			}
			pts, err := parsePoints(args[1:])
			if err != nil {
				return err
			}
			mapped, err := f.Map(pts)
			if err != nil {
				return err
			}
			for i, p := range mapped {
				fmt.Fprintf(cmd.OutOrStdout(), "%g,%g -> %.3f,%.3f\n", pts[i].X, pts[i].Y, p.X, p.Y)
			}
			return nil
		},
	}

	cmd.AddCommand(show, mapCmd)
	return cmd
}

func parsePoints(args []string) ([]geometry.Point2D, error) {
	var errs []string
	pts := lo.FilterMap(args, func(a string, _ int) (geometry.Point2D, bool) {
		xs, ys, ok := strings.Cut(a, ",")
		x, errX := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if !ok || errX != nil || errY != nil {
			errs = append(errs, a)
			return geometry.Point2D{}, false
		}
		return geometry.Point2D{X: x, Y: y}, true
	})
	if len(errs) > 0 {
		return nil, regerr.New(regerr.KindInvalidInput, "session.map", "invalid point(s) %s, want x,y", strings.Join(errs, " "))
	}
	return pts, nil
}
