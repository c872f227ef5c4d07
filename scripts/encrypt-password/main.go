// encrypt-password encrypts a database password for the catalog's
// datasource.password_encrypted field.
//
// Usage (run from the repo root):
//
//	go run scripts/encrypt-password/main.go 'pa$$word'
//	echo -n 'pa$$word' | go run scripts/encrypt-password/main.go
//
// Prints the hex ciphertext on stdout. The ciphertext is bound to the
// build-time secret in internal/catalog, so the agent and this tool must be
// built with the same -ldflags -X value or decryption will produce garbage.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
)

func main() {
	var plain string
	switch len(os.Args) {
	case 1:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read stdin: %v\n", err)
			os.Exit(1)
		}
		plain = strings.TrimRight(string(data), "\r\n")
	case 2:
		plain = os.Args[1]
	default:
		fmt.Fprintln(os.Stderr, "usage: encrypt-password [password]")
		os.Exit(1)
	}

	if plain == "" {
		fmt.Fprintln(os.Stderr, "error: empty password")
		os.Exit(1)
	}

	encrypted, err := catalog.EncryptPassword(plain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(encrypted)
	fmt.Fprintln(os.Stderr, "Put this in the catalog as datasource.password_encrypted.")
}
