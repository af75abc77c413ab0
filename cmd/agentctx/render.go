package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/agentctx/internal/template"
)

func newRenderCmd() *cobra.Command {
	var (
		contextFile string
		strict      bool
		preserve    bool
		listVars    bool
	)

	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "Render a {{...}} template against a JSON context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := args[0]

			if listVars {
				for _, v := range template.ExtractVariables(tmpl) {
					fmt.Println(v)
				}
				return nil
			}

			if res := template.Validate(tmpl); !res.Valid {
				return fmt.Errorf("invalid template: %v", res.Errors)
			}

			ctx, err := loadJSONObject(contextFile)
			if err != nil {
				return err
			}

			out, err := template.Render(tmpl, ctx, template.Options{
				Strict:             strict,
				PreserveUnresolved: preserve,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&contextFile, "context", "", "Path to JSON/YAML context object")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on unresolvable expressions")
	cmd.Flags().BoolVar(&preserve, "preserve-unresolved", false, "Leave unresolvable placeholders verbatim")
	cmd.Flags().BoolVar(&listVars, "list-vars", false, "List referenced variables instead of rendering")

	return cmd
}
