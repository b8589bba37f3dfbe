// Command operator-token mints a signed bearer token for the operator
// endpoints, using the same secret the API verifies with.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/josh-kwaku/crossledger/internal/auth"
)

func main() {
	subject := flag.String("subject", "", "operator identity recorded on cancels and refunds")
	role := flag.String("role", auth.RoleOperator, "token role (operator or viewer)")
	expiry := flag.Duration("expiry", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("OPERATOR_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "OPERATOR_JWT_SECRET must be set")
		os.Exit(1)
	}

	token, err := auth.GenerateToken(*subject, *role, secret, *expiry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
