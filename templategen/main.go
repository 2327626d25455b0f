// Command templategen prints a starter validation template for a set of DICOM keywords, typed
// from the data dictionary. Keywords come from the arguments and from the header of an example
// file given with --from.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/macadamian/dicommeta"
	"github.com/macadamian/dicommeta/schema"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		from   string
		force  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "templategen [keyword...]",
		Short: "Print a Draft 7 validation template requiring the given DICOM keywords",
		Example: `  templategen Modality ImageType SeriesNumber
  templategen --from image.dcm -o template.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			keywords := args
			if from != "" {
				fromFile, err := headerKeywords(from, force)
				if err != nil {
					return err
				}
				keywords = append(keywords, fromFile...)
			}
			if len(keywords) == 0 {
				return fmt.Errorf("give keywords or --from")
			}

			doc, err := schema.Scaffold(keywords)
			if err != nil {
				return err
			}
			data, err := render(doc)
			if err != nil {
				return err
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "DICOM file whose header keywords are added")
	cmd.Flags().BoolVar(&force, "force", false, "read --from without DICOM preamble or file meta")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the template to a file instead of stdout")
	return cmd
}

func headerKeywords(path string, force bool) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	inst, err := dicommeta.Decode(filepath.Base(path), data, dicommeta.DecodeOptions{Force: force})
	if err != nil {
		return nil, err
	}
	return inst.Header.Keywords(), nil
}

func render(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
