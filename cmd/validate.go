package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/flowcap/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a daemon configuration file",
	Long: `Validate a daemon configuration file without starting capture.

Defaults and FLOWCAP_* environment overrides are applied as the daemon
would apply them. With --print the effective configuration is written
as YAML.

Examples:
  flowcap validate -c /etc/flowcap/config.yml
  flowcap validate -c config.yml --print`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), configFile, validatePrint)
	},
}

var validatePrint bool

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the effective configuration")
}

func runValidate(out io.Writer, path string, print bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(out, "INVALID: %v\n", err)
		return err
	}

	fmt.Fprintf(out, "VALID: interface %s, backend %s, flow %s, export %s\n",
		cfg.Capture.Interface, cfg.Capture.Backend, onOff(cfg.Flow.Enabled), onOff(cfg.Netflow.Enabled))
	if !print {
		return nil
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]*config.GlobalConfig{"flowcap": cfg})
}
