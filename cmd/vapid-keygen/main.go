// Command vapid-keygen prints a fresh VAPID key pair for development and
// staging environments. Production keys are provisioned out of band.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/iwent-com-tr/bilet-push/internal/vapid"
)

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	identity := vapid.NewIdentity(vapid.Config{}, env)
	pub, priv, err := identity.GenerateKeyPair()
	if err != nil {
		log.Fatalf("generate keys: %v", err)
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", priv)
}
