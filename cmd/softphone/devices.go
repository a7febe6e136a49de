package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sessionbridge/pkg/app"
	"github.com/arzzra/sessionbridge/pkg/devices"
)

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			list, err := app.ListDevices(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return writeDevices(cmd.OutOrStdout(), format, list)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

func writeDevices(w io.Writer, format string, list []devices.Descriptor) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(list); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q (must be json or yaml)", format)
}
