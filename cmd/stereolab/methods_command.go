package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stereolab/internal/algorithms"
)

func newMethodsCommand() *cobra.Command {
	var save string

	cmd := &cobra.Command{
		Use:   "methods [name]",
		Short: "List stereo methods and their parameters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := algorithms.Names()
			if len(args) == 1 {
				if !algorithms.IsValidMethod(args[0]) {
					return fmt.Errorf("%w: %s", algorithms.ErrUnknownMethod, args[0])
				}
				names = args
			}
			w := cmd.OutOrStdout()
			for _, name := range names {
				m, err := algorithms.New(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %s\n", m.Name(), m.Description())
				fmt.Fprintln(w, parameterTable(m.ParameterInfo()))
				if save != "" && len(names) == 1 {
					if err := algorithms.SaveParametersFile(m, save); err != nil {
						m.Close()
						return err
					}
					fmt.Fprintf(w, "defaults written to %s\n", save)
				}
				m.Close()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&save, "save-defaults", "", "Write the default parameter file of the named method")
	return cmd
}

func parameterTable(info []algorithms.ParameterInfo) string {
	rows := make([][]string, 0, len(info))
	for _, p := range info {
		rng := ""
		if p.Min != nil || p.Max != nil {
			rng = fmt.Sprintf("%v..%v", p.Min, p.Max)
		}
		rows = append(rows, []string{p.Name, p.Type, fmt.Sprint(p.Default), rng, p.Description})
	}
	return renderTable([]string{"Parameter", "Type", "Default", "Range", "Description"}, rows, nil)
}
