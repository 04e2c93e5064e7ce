package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jensneuse/graphql-gateway/pkg/federation"
)

func newComposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compose [name=]file.graphql...",
		Short: "compose prints the federated schema of service SDL files",
		Long: `compose composes the given service SDL files without contacting any service
and writes the federated schema to stdout. The service name defaults to the
file name without extension. Composition warnings are written to stderr.`,
		Example: "gateway compose accounts=accounts.graphql products.graphql",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			definitions := make([]federation.ServiceDefinition, 0, len(args))
			for _, arg := range args {
				definition, err := readDefinition(arg)
				if err != nil {
					return err
				}
				definitions = append(definitions, definition)
			}

			schema, err := federation.Compose(definitions)
			if err != nil {
				return err
			}
			for _, warning := range schema.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), schema.SDL())
			return err
		},
	}
}

func readDefinition(arg string) (federation.ServiceDefinition, error) {
	name, file, ok := strings.Cut(arg, "=")
	if !ok {
		file = arg
		name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return federation.ServiceDefinition{}, err
	}
	return federation.ServiceDefinition{Name: name, SDL: string(data)}, nil
}
