package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "maintenance":
		if len(os.Args) < 3 || (os.Args[2] != "on" && os.Args[2] != "off") {
			fmt.Fprintln(os.Stderr, "Usage: gatekeeper maintenance on|off [message]")
			os.Exit(1)
		}
		err = runMaintenance(os.Args[2] == "on", strings.Join(os.Args[3:], " "))
	case "rotate-secret":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: gatekeeper rotate-secret <key> [category]")
			os.Exit(1)
		}
		category := "general"
		if len(os.Args) > 3 {
			category = os.Args[3]
		}
		err = runRotateSecret(os.Args[2], category)
	case "migrate-secrets":
		err = runMigrateSecrets()
	case "hash-password":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: gatekeeper hash-password <password>")
			os.Exit(1)
		}
		err = runHashPassword(os.Args[2])
	case "version":
		fmt.Printf("gatekeeper %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runHashPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}

func printUsage() {
	fmt.Println(`gatekeeper - admission control for web applications: rate limits,
maintenance mode, encrypted secrets and webhook verification

Usage:
  gatekeeper <command> [arguments]

Commands:
  serve                         Start the HTTP server
  maintenance on|off [message]  Toggle maintenance mode
  rotate-secret <key> [cat]     Replace a secret with a fresh random value
  migrate-secrets               Encrypt legacy plaintext secrets
  hash-password <password>      Print a bcrypt hash for GATEKEEPER_ADMIN_PASSWORD_HASH
  version                       Print the gatekeeper version
  help                          Show this help message

Environment:
  GATEKEEPER_ADDR, GATEKEEPER_DB_PATH, GATEKEEPER_DB_NAME, GATEKEEPER_HOST_ID,
  GATEKEEPER_SESSION_SECRET, GATEKEEPER_ADMIN_USER, GATEKEEPER_ADMIN_PASSWORD_HASH,
  GATEKEEPER_COOKIE_SECURE, GATEKEEPER_COUNTER_BACKEND (sqlite|memory|redis),
  GATEKEEPER_REDIS_ADDR, GATEKEEPER_REDIS_PASSWORD, GATEKEEPER_REDIS_DB,
  GATEKEEPER_MAINTENANCE_TTL, GATEKEEPER_OTP_DEV_CODE

Examples:
  gatekeeper maintenance on "Payroll upgrade until 23:00"
  gatekeeper rotate-secret webhook_billing webhook`)
}
