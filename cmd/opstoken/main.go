// Command opstoken mints an operator API token signed with JWT_SIGNING_KEY.
//
//	JWT_SIGNING_KEY=... opstoken -sub alice@example.com -role operator -ttl 8h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/auth"
)

func main() {
	subject := flag.String("sub", "", "Operator identity recorded in the token (required)")
	role := flag.String("role", string(auth.RoleViewer), "Role: viewer or operator")
	ttl := flag.Duration("ttl", auth.DefaultTokenTTL, "Token lifetime")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *subject == "" {
		flag.Usage()
		os.Exit(2)
	}
	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		log.Fatal().Msg("JWT_SIGNING_KEY is not set")
	}

	tokens := auth.NewJWTService(auth.JWTConfig{SigningKey: key})
	token, expiresAt, err := tokens.IssueToken(*subject, auth.Role(*role), *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}

	log.Info().
		Str("sub", *subject).
		Str("role", *role).
		Time("expires_at", expiresAt.UTC().Truncate(time.Second)).
		Msg("token issued")
	fmt.Println(token)
}
