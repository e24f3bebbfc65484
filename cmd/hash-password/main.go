// Command hash-password prints a bcrypt hash ready for the auth section of the config.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	cost := flag.Int("cost", 12, "Bcrypt cost parameter (10-14 recommended)")
	username := flag.String("username", "admin", "Admin API username")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage(os.Stderr)
		os.Exit(1)
	}

	snippet, err := configSnippet(args[0], *username, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(snippet)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hash-password [OPTIONS] <password>")
	fmt.Fprintln(w, "\nOptions:")
	fmt.Fprintln(w, "  -cost int         Bcrypt cost parameter (default: 12)")
	fmt.Fprintln(w, "  -username string  Admin API username (default: admin)")
}

// configSnippet hashes password and renders the auth block for config.yml
func configSnippet(password, username string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("generating hash: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Copy this into your config.yml:\n")
	b.WriteString("auth:\n")
	b.WriteString("  enabled: true\n")
	fmt.Fprintf(&b, "  username: %q\n", username)
	fmt.Fprintf(&b, "  password_hash: %q\n", string(hash))
	b.WriteString("  header: \"Authorization\"\n")
	return b.String(), nil
}
