// Package commands defines the e2eectl CLI, which inspects and maintains a local key store.
//
// Commands
//
//   - init             Create the key store and the device account
//   - identity         Print the device keys and any unpublished fallback key
//   - sessions         List the pairwise sessions held by the device
//   - rotate-fallback  Generate a new fallback key
//   - publish          Mark the current fallback key as published
//
// Flags fall back to E2EE_ROOT, E2EE_PASSWORD, E2EE_USER_ID and E2EE_DEVICE_ID, which may
// also come from a .env file in the working directory.
package commands

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/meow-io/go-e2ee"
	"github.com/meow-io/go-e2ee/config"
	"github.com/spf13/cobra"
)

var (
	root       string
	password   string
	userID     string
	deviceID   string
	configFile string
	debug      bool

	client *e2ee.Client
)

func Execute() error {
	// a missing .env file is fine
	_ = godotenv.Load()

	cmd := &cobra.Command{
		Use:          "e2eectl",
		Short:        "Inspect and maintain an end-to-end encryption key store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client == nil {
				return nil
			}
			return client.Shutdown()
		},
	}

	cmd.PersistentFlags().StringVar(&root, "root", os.Getenv("E2EE_ROOT"), "key store dir (default ~/.e2ee)")
	cmd.PersistentFlags().StringVarP(&password, "password", "p", os.Getenv("E2EE_PASSWORD"), "password protecting the key store")
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("E2EE_USER_ID"), "user id owning the device")
	cmd.PersistentFlags().StringVar(&deviceID, "device", os.Getenv("E2EE_DEVICE_ID"), "device id (default <user>-device)")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	cmd.AddCommand(initCmd(), identityCmd(), sessionsCmd(), rotateFallbackCmd(), publishCmd())
	return cmd.Execute()
}

func setup() error {
	if password == "" {
		return errors.New("password required (-p or E2EE_PASSWORD)")
	}
	if userID == "" {
		return errors.New("user id required (-u or E2EE_USER_ID)")
	}
	if deviceID == "" {
		deviceID = userID + "-device"
	}
	if root == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		root = filepath.Join(dir, ".e2ee")
	}

	opts := []config.Option{config.WithRootDir(root), config.WithLoggingPrefix("e2eectl")}
	if debug {
		opts = append(opts, config.WithDebug(true))
	}
	var c *config.Config
	if configFile != "" {
		var err error
		if c, err = config.LoadFile(configFile, opts...); err != nil {
			return err
		}
	} else {
		c = config.NewConfig(opts...)
	}

	var err error
	client, err = e2ee.New(c, &e2ee.Options{UserID: userID, DeviceID: deviceID})
	return err
}

// open unlocks an existing key store.
func open() error {
	if client.New() {
		return errors.New("key store not initialized, run init first")
	}
	key, err := client.NewKey(password)
	if err != nil {
		return err
	}
	return client.Open(key)
}
