// Package main provides a simple tool to generate tokens for build slaves
// and operators.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/narvanalabs/buildmaster/internal/auth"
)

func main() {
	subject := flag.String("subject", "", "Slave name or operator the token is issued to")
	roleName := flag.String("role", string(auth.RoleSlave), "Role for the token (slave or operator)")
	secret := flag.String("secret", "", "Token secret (or set SLAVE_TOKEN_SECRET env var)")
	expiry := flag.Duration("expiry", 24*365*time.Hour, "Token expiry duration, 0 for no expiry (default: 1 year)")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Error: -subject is required")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/gentoken -subject linux-1 -secret 'your-secret-at-least-32-chars-long'")
		os.Exit(1)
	}

	role, err := auth.ParseRole(*roleName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tokenSecret := *secret
	if tokenSecret == "" {
		tokenSecret = os.Getenv("SLAVE_TOKEN_SECRET")
	}
	if tokenSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: token secret required. Use -secret flag or set SLAVE_TOKEN_SECRET env var")
		os.Exit(1)
	}

	svc, err := auth.NewService(&auth.Config{
		Secret:      []byte(tokenSecret),
		TokenExpiry: *expiry,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	token, err := svc.GenerateToken(*subject, role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
