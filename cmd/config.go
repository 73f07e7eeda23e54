package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change runtime configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		cfg := a.cfg.Get()
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

// settingKeys maps user-facing names to settings rows.
var settingKeys = map[string]string{
	"embedding-model":    config.KeyEmbeddingModel,
	"reranker-model":     config.KeyRerankerModel,
	"translation-model":  config.KeyTranslationModel,
	"memory-root-folder": config.KeyMemoryRootFolder,
	"auto-subfolders":    config.KeyAutoSubfolders,
	"privacy-mode":       config.KeyPrivacyMode,
	"rag-top-k":          config.KeyRAGTopK,
	"vector-backend":     config.KeyVectorBackend,
}

var configSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Set a runtime setting",
	Long: "Set a runtime setting stored in the database. Known names: " +
		strings.Join(settingNames(), ", ") + ".",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, ok := settingKeys[args[0]]
		if !ok {
			return errors.InvalidArgument("unknown setting %q", args[0])
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.settings.Set(ctx, key, args[1]); err != nil {
			return err
		}
		a.audit.Record(ctx, "config.set", "setting", key, map[string]string{"value": args[1]})
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Read a runtime setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, ok := settingKeys[args[0]]
		if !ok {
			return errors.InvalidArgument("unknown setting %q", args[0])
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Println(a.settings.GetOr(ctx, key, ""))
		return nil
	},
}

var configKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage stored provider API keys",
}

var configKeySetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Store an API key, read from the terminal without echo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if a.keys == nil {
			return errors.Configuration("secret store unavailable")
		}

		value, err := readSecret(fmt.Sprintf("API key for %s: ", args[0]))
		if err != nil {
			return err
		}
		if err := a.keys.Set(args[0], value); err != nil {
			return err
		}
		a.audit.Record(ctx, "config.key_set", "provider", args[0], nil)
		fmt.Println("stored key for", args[0])
		return nil
	},
}

var configKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with a stored key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if a.keys == nil {
			return errors.Configuration("secret store unavailable")
		}
		names, err := a.keys.Providers()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var configKeyDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if a.keys == nil {
			return errors.Configuration("secret store unavailable")
		}
		if err := a.keys.Delete(args[0]); err != nil {
			return err
		}
		a.audit.Record(ctx, "config.key_delete", "provider", args[0], nil)
		fmt.Println("removed key for", args[0])
		return nil
	},
}

// readSecret reads a line without echo when stdin is a terminal, falling
// back to a plain read for piped input.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func settingNames() []string {
	names := make([]string, 0, len(settingKeys))
	for name := range settingKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configKeyCmd)
	configKeyCmd.AddCommand(configKeySetCmd)
	configKeyCmd.AddCommand(configKeyListCmd)
	configKeyCmd.AddCommand(configKeyDeleteCmd)
}
