// Package main seals step secrets for master files, or generates the age key
// pair the master opens them with.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/narvanalabs/buildmaster/internal/secrets"
)

func main() {
	keygen := flag.Bool("keygen", false, "Generate a new key pair and exit")
	recipient := flag.String("recipient", "", "age public key to seal for (or set SECRETS_AGE_RECIPIENT env var)")
	flag.Parse()

	if *keygen {
		pub, priv, err := secrets.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("# public key: %s\n", pub)
		fmt.Printf("SECRETS_AGE_KEY=%s\n", priv)
		return
	}

	pub := *recipient
	if pub == "" {
		pub = os.Getenv("SECRETS_AGE_RECIPIENT")
	}
	if pub == "" {
		fmt.Fprintln(os.Stderr, "Error: -recipient is required")
		fmt.Fprintf(os.Stderr, "Example: printf %%s \"$TOKEN\" | go run ./cmd/sealsecret -recipient age1...\n")
		os.Exit(1)
	}

	svc, err := secrets.NewService(&secrets.Config{PublicKey: pub}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	plaintext, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
		os.Exit(1)
	}

	sealed, err := svc.Seal([]byte(strings.TrimRight(string(plaintext), "\n")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(sealed)
}
