// Package main issues signed access tokens for the costbook API.
// Operators use it to mint service credentials; there is no user store.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"costbook/internal/domain/auth"
)

func main() {
	var (
		userID = flag.String("user", "", "subject user id (required)")
		email  = flag.String("email", "", "user email claim")
		roles  = flag.String("roles", auth.RoleLedgerWriter, "comma-separated roles")
		admin  = flag.Bool("admin", false, "set the admin claim")
		ttl    = flag.Duration("ttl", 0, "token lifetime (0 uses the default)")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "required environment variable JWT_SECRET not set")
		os.Exit(1)
	}

	cfg := auth.DefaultJWTConfig(secret)
	if *ttl > 0 {
		cfg.AccessTokenTTL = *ttl
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, expiresAt, err := auth.NewJWTService(cfg).GenerateAccessToken(*userID, *email, roleList, *admin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
}
