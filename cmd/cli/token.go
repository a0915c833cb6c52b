package cli

import (
	"fmt"
	"strings"
	"time"

	"planboard/internal/config"
	"planboard/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagUserID   uint
	flagRoles    string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		var roles []string
		for _, p := range strings.Split(flagRoles, ",") {
			if s := strings.TrimSpace(p); s != "" {
				roles = append(roles, s)
			}
		}
		ttl := time.Duration(flagTTLMin) * time.Minute
		if flagNoExpiry {
			ttl = 0
		} else if ttl <= 0 {
			ttl = cfg.JWT.ExpiresIn
		}
		token, err := middleware.IssueToken(cfg.JWT.Secret, flagUserID, roles, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().UintVar(&flagUserID, "user-id", 0, "user id claim")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "", "comma separated roles")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 0, "ttl in minutes (default jwt.expires_in)")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not set exp claim")
	rootCmd.AddCommand(tokenCmd)
}
