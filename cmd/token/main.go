// Command token mints an HS256 access token for local testing, e.g.
//
//	go run ./cmd/token -sub 42 -role ADMIN
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/cineverse-seat-lock/internal/utils"
)

func main() {
	_ = godotenv.Load()
	sub := flag.String("sub", "1", "user id placed in the sub claim")
	role := flag.String("role", "CUSTOMER", "role claim (ADMIN lists locks)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "signing secret (defaults to JWT_SECRET)")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "token: JWT_SECRET is not set and -secret is empty")
		os.Exit(2)
	}
	tok, err := utils.NewAccessToken(*secret, *sub, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}
