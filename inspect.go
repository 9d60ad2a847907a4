package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"mdetruth/pkg/annotate"
	"mdetruth/pkg/layout"
	"mdetruth/pkg/match"
	"mdetruth/pkg/ocr"
	"mdetruth/pkg/records"
)

// newInspectCmd runs the non-interactive half of the review loop on one
// screenshot, for checking templates and layouts.
func newInspectCmd(cfgPath *string) *cobra.Command {
	var withOCR bool
	var annotated string
	cmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Show timestamp, stored values, template scores and layout for one screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()
			out := cmd.OutOrStdout()
			path := args[0]

			parser, err := records.NewTimestampParser(cfg.Review.TSPattern)
			if err != nil {
				return err
			}
			ts, err := parser.Parse(filepath.Base(path))
			if err != nil {
				fmt.Fprintf(out, "timestamp: %v\n", err)
			} else {
				fmt.Fprintf(out, "timestamp: %s\n", ts)
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				row, err := store.Lookup(cmd.Context(), ts)
				switch {
				case records.IsLookupFailure(err):
					fmt.Fprintf(out, "row: %v\n", err)
				case err != nil:
					return err
				default:
					fmt.Fprintf(out, "row (%s):\n", row.Table)
					for _, f := range row.Fields {
						v := "None"
						if f.Value != nil {
							v = *f.Value
						}
						fmt.Fprintf(out, "  %s = %s\n", f.Name, v)
					}
				}
			}

			img, err := imaging.Open(path)
			if err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			def, err := layout.Load(cfg.LayoutFile())
			if err != nil {
				return err
			}
			matcher, err := match.New(def.TemplateFiles(cfg.TemplatesDir()), cfg.Review.MatchMaxDistance, log)
			if err != nil {
				return err
			}
			res, err := matcher.Match(img)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "template distances:")
			for _, id := range def.IDs() {
				d, ok := res.Scores[id]
				if !ok {
					fmt.Fprintf(out, "  %d: no template image\n", id)
					continue
				}
				fmt.Fprintf(out, "  %d: %d\n", id, d)
			}
			if res.TemplateID <= 0 {
				fmt.Fprintf(out, "no template within distance %d\n", cfg.Review.MatchMaxDistance)
				return nil
			}
			fmt.Fprintf(out, "matched template %d\n", res.TemplateID)

			pos, err := def.Positions(res.TemplateID)
			if errors.Is(err, layout.ErrUnknownTemplate) {
				fmt.Fprintln(out, "template has no layout entry")
				return nil
			}
			var hints map[string]string
			if withOCR {
				h, err := ocr.NewHinter("", log)
				if err != nil {
					return err
				}
				defer h.Close()
				hints = h.Hints(img, pos)
			}
			for _, name := range pos.Names() {
				r := pos[name]
				fmt.Fprintf(out, "  %-16s (%d,%d)-(%d,%d)", name, r.X1, r.Y1, r.X2, r.Y2)
				if h, ok := hints[name]; ok {
					fmt.Fprintf(out, "  ocr=%q", h)
				}
				fmt.Fprintln(out)
			}
			if annotated != "" {
				if err := imaging.Save(annotate.Annotator{}.Annotate(img, pos, hints), annotated); err != nil {
					return err
				}
				fmt.Fprintln(out, "annotated image written to", annotated)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withOCR, "ocr", false, "read each field with tesseract")
	cmd.Flags().StringVar(&annotated, "annotate", "", "write the screenshot with field boxes drawn to this file")
	return cmd
}
