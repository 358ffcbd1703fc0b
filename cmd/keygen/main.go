// Package main provides the admin key management CLI for indexpilot.
//
// Keys are random 256-bit values with an indexpilot_ak_ prefix. Only the
// bcrypt hash is persisted; the plaintext is printed once at creation and
// cannot be recovered afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

const (
	version = "0.1.0-dev"
	name    = "indexpilot-keygen"
)

func main() {
	var (
		versionFlag = flag.Bool("version", false, "show version information")
		keyName     = flag.String("name", "", "descriptive name for the key (required)")
		expiresIn   = flag.Duration("expires-in", 0, "key lifetime, e.g. 8760h; zero means no expiry")
	)
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *keyName == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -name <key-name> [-expires-in <duration>]\n", name)
		fmt.Fprintln(os.Stderr, "requires DATABASE_URL")
		os.Exit(2)
	}

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	store, err := storage.NewAdminKeyStore(conn)
	if err != nil {
		log.Fatalf("Failed to open admin key store: %v", err)
	}

	key, err := storage.GenerateAdminKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}

	var expiresAt *time.Time

	if *expiresIn > 0 {
		t := time.Now().Add(*expiresIn)
		expiresAt = &t
	}

	if err := store.Add(context.Background(), *keyName, key, expiresAt); err != nil {
		log.Fatalf("Failed to store key: %v", err)
	}

	fmt.Printf("Admin key %q created.\n", *keyName)
	if expiresAt != nil {
		fmt.Printf("Expires: %s\n", expiresAt.Format(time.RFC3339))
	}

	fmt.Println("Store this key now; it is not recoverable:")
	fmt.Println(key)
}
