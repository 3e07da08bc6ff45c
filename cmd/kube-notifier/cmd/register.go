// file: cmd/kube-notifier/cmd/register.go

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fx147/kube-notifier/internal/kube"
	examplev1 "github.com/fx147/kube-notifier/pkg/apis/example/v1"
	"github.com/fx147/kube-notifier/pkg/registrar"
)

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a custom resource definition",
		Long: `Register a custom resource definition. Without --definition-file the
built-in meetups.example.com definition is registered.

Registering is idempotent: an identical existing definition is accepted,
a different one is reported and left untouched.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags(), map[string]string{
				"definition-file": "register.definition-file",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			def, err := loadDefinition(cfg.Register.DefinitionFile)
			if err != nil {
				return err
			}

			restConfig, err := kube.RESTConfig(cfg.Kubeconfig, cfg.Context)
			if err != nil {
				return err
			}
			clients, err := kube.NewClients(restConfig)
			if err != nil {
				return err
			}

			if err := registrar.New(clients.APIExtensions).Ensure(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "customresourcedefinition/%s ensured\n", def.Name)
			return nil
		},
	}
	cmd.Flags().StringP("definition-file", "f", "", "YAML file with the definition to register")
	return cmd
}

// loadDefinition 读取 path 中的定义；path 为空时返回内置的 Meetup 定义。
func loadDefinition(path string) (registrar.Definition, error) {
	if path == "" {
		return examplev1.MeetupDefinition(), nil
	}
	return registrar.LoadFile(path)
}
