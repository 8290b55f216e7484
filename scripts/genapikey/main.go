// genapikey mints a new operator API key and prints the SQL to register it.
//
// Usage (run from the repo root):
//
//	go run scripts/genapikey/main.go <label>
//
// Prints the raw key once (store it in your secret manager; it cannot be
// recovered) and an INSERT statement carrying only the argon2id hash.
// Alternatively, set WINDLASS_ADMIN_API_KEY to a generated key and the
// server will register it itself at startup.
package main

import (
	"fmt"
	"os"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/model"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: genapikey <label>")
		os.Exit(1)
	}
	label := os.Args[1]

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}

	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key (shown once):\n  %s\n\n", rawKey)
	fmt.Printf("Register it with:\n")
	fmt.Printf("  INSERT INTO api_keys (id, prefix, key_hash, label)\n")
	fmt.Printf("  VALUES (gen_random_uuid(), '%s', '%s', '%s');\n", prefix, hash, label)
}
