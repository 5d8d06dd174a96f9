package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/insight/internal/credential"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stored configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatal(err)
		}
		storage, err := openStorage(cfg)
		if err != nil {
			fatal(err)
		}
		defer storage.Close()

		if err := storage.SetConfig(args[0], args[1]); err != nil {
			fatal(err)
		}
		fmt.Printf("saved %s\n", args[0])
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatal(err)
		}
		storage, err := openStorage(cfg)
		if err != nil {
			fatal(err)
		}
		defer storage.Close()

		val, err := storage.GetConfig(args[0])
		if err != nil {
			fatal(err)
		}
		if credential.IsEncrypted(val) {
			fmt.Println("(encrypted)")
			return
		}
		fmt.Println(val)
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [config-key] [api-key]",
	Short: "Store an API key encrypted at rest",
	Long:  `Encrypts the API key with a machine-derived key before storing it, e.g. 'insight config set-key gemini.api_key AIza...'.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatal(err)
		}
		storage, err := openStorage(cfg)
		if err != nil {
			fatal(err)
		}
		defer storage.Close()

		creds, err := credential.NewManager()
		if err != nil {
			fatal(err)
		}
		sealed, err := creds.Encrypt(args[1])
		if err != nil {
			fatal(err)
		}
		if err := storage.SetConfig(args[0], sealed); err != nil {
			fatal(err)
		}
		fmt.Printf("saved %s as %s\n", args[0], credential.MaskSecret(args[1]))
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}
