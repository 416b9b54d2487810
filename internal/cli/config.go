package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/allyourbase/smsd/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Print the configuration smsd start would run with: defaults, then smsd.toml,
then SMSD_* environment variables. Credentials and the redis password are
masked unless --show-secrets is given.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default smsd.toml",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Long: `Print one resolved configuration value by dotted key.
List values print comma-separated, the same form config set accepts.`,
	Example: `smsd config get sms.provider
smsd config get rate_limit.max_requests
smsd config get retry.retry_on`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in smsd.toml",
	Long: `Set one value in smsd.toml, creating the file if needed.
List values are comma-separated. The file is re-validated afterwards and any
problem is reported as a note, since credentials usually follow the provider.`,
	Example: `smsd config set sms.provider aliyun
smsd config set sms.aliyun.access_key_id LTAI...
smsd config set sms.allowed_countries CN,HK`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	for _, c := range []*cobra.Command{configCmd, configGetCmd, configSetCmd} {
		c.Flags().String("config", "", "Path to smsd.toml (default ./smsd.toml)")
	}
	configCmd.Flags().Bool("show-secrets", false, "Print credentials unmasked")
	configInitCmd.Flags().String("config", "", "Path to write (default ./smsd.toml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configGetCmd, configSetCmd)
}

func configPathFlag(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.DefaultPath
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag(cmd), nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if show, _ := cmd.Flags().GetBool("show-secrets"); !show {
		cfg = cfg.Redacted()
	}

	out, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	if outputFormat(cmd) != "json" {
		fmt.Print(out)
		return nil
	}

	// Round-trip through TOML so JSON keys match the smsd.toml names.
	var tree map[string]any
	if err := toml.Unmarshal([]byte(out), &tree); err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	return writeJSON(os.Stdout, tree)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPathFlag(cmd)
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.GenerateDefault(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Written to %s\n", path)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag(cmd), nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	value, err := config.GetValue(cfg, args[0])
	if err != nil {
		return err
	}

	if outputFormat(cmd) == "json" {
		return writeJSON(os.Stdout, map[string]any{"key": args[0], "value": value})
	}
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := configPathFlag(cmd)
	key, value := args[0], args[1]

	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := config.SetValue(path, key, value); err != nil {
		return fmt.Errorf("setting config value: %w", err)
	}
	fmt.Printf("%s = %s\nWritten to %s\n", key, value, path)

	if _, err := config.Load(path, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Note: %s\n", validationMessage(err))
	}
	return nil
}

// validationMessage strips the "config validation: " wrapper from a Load error.
func validationMessage(err error) string {
	if inner := errors.Unwrap(err); inner != nil {
		return inner.Error()
	}
	return err.Error()
}
