package commands

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the key store and the device account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !client.New() {
				return errors.New("key store already initialized")
			}
			key, err := client.NewKey(password)
			if err != nil {
				return err
			}
			if err := client.Initialize(key); err != nil {
				return err
			}
			curve, ed := client.IdentityKeys()
			fmt.Printf("Key store created.\ncurve25519: %s\ned25519:    %s\n", curve, ed)
			return nil
		},
	}
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the device keys and any unpublished fallback key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(); err != nil {
				return err
			}
			keys, err := client.DeviceKeys()
			if err != nil {
				return err
			}
			fmt.Printf("user:   %s\ndevice: %s\n", userID, keys.DeviceID)
			ids := make([]string, 0, len(keys.Keys))
			for id := range keys.Keys {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("%s %s\n", id, keys.Keys[id])
			}
			fbk, err := client.UnpublishedFallbackKey()
			if err != nil {
				return err
			}
			if fbk != nil {
				fmt.Printf("unpublished fallback key %s: %s\nsignature: %s\n", fbk.KeyID, fbk.Key, fbk.Signature)
			}
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the pairwise sessions held by the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(); err != nil {
				return err
			}
			exported, err := client.Export()
			if err != nil {
				return err
			}
			sessions := exported.Sessions
			sort.Slice(sessions, func(i, j int) bool {
				if sessions[i].DeviceKey != sessions[j].DeviceKey {
					return sessions[i].DeviceKey < sessions[j].DeviceKey
				}
				return sessions[i].SessionID < sessions[j].SessionID
			})
			for _, s := range sessions {
				fmt.Printf("%s %s last received %d\n", s.DeviceKey, s.SessionID, s.LastReceivedMessageTs)
			}
			fmt.Printf("%d sessions\n", len(sessions))
			return nil
		},
	}
}

func rotateFallbackCmd() *cobra.Command {
	var forget bool
	cmd := &cobra.Command{
		Use:   "rotate-fallback",
		Short: "Generate a new fallback key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(); err != nil {
				return err
			}
			if forget {
				if err := client.ForgetOldFallbackKey(); err != nil {
					return err
				}
			}
			if err := client.RotateFallbackKey(); err != nil {
				return err
			}
			fbk, err := client.UnpublishedFallbackKey()
			if err != nil {
				return err
			}
			if fbk != nil {
				fmt.Printf("new fallback key %s: %s\n", fbk.KeyID, fbk.Key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&forget, "forget", false, "forget the previous fallback key first")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Mark the current fallback key as published",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := open(); err != nil {
				return err
			}
			return client.MarkKeysAsPublished()
		},
	}
}
