package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/H1yori233/innoweaver/internal/auth"
	"github.com/H1yori233/innoweaver/internal/logger"
)

var (
	userID       string
	userEmail    string
	userPassword string
	userType     string
)

// userCmd manages the user directory directly in Redis
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the user directory",
}

// userAddCmd creates or replaces a directory entry
var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or replace a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.SecretKey == "" {
			return fmt.Errorf("auth secret key cannot be empty")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		rdb, err := newRedisClient(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		svc, err := auth.NewService(rdb, auth.Config{
			SecretKey: cfg.Auth.SecretKey,
			KeyPrefix: cfg.Auth.KeyPrefix,
			Logger:    log,
		})
		if err != nil {
			return err
		}

		if userID == "" {
			userID = uuid.NewString()
		}
		err = svc.PutUser(ctx, auth.User{
			ID:       userID,
			Email:    userEmail,
			Password: userPassword,
			UserType: userType,
		})
		if err != nil {
			return err
		}

		log.Info("User stored", logger.Fields{"user_id": userID, "email": userEmail})
		fmt.Fprintln(cmd.OutOrStdout(), userID)
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userID, "id", "", "User id (default: random)")
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "Email address (required)")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (required)")
	userAddCmd.Flags().StringVar(&userType, "type", "designer", "User type")
	_ = userAddCmd.MarkFlagRequired("email")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
}
