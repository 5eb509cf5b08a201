// Command keygen generates the RSA key pair used to sign license payloads.
package main

import (
	"flag"
	"fmt"
	"log"

	"shopkey-licensing/pkg/signing"
)

func main() {
	privPath := flag.String("private", "license_private.pem", "path for the private key")
	pubPath := flag.String("public", "license_public.pem", "path for the public key")
	flag.Parse()

	if err := signing.WriteKeyPair(*privPath, *pubPath); err != nil {
		log.Fatalf("failed to generate key pair: %v", err)
	}

	fmt.Printf("wrote %s and %s\n", *privPath, *pubPath)
}
