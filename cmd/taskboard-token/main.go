// Command taskboard-token mints a bearer token for a user. Identity is
// provisioned elsewhere; this is for local development and smoke tests.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	userID := pflag.String("user", "", "user id (looked up by --email when empty)")
	email := pflag.String("email", "", "user email")
	ttl := pflag.Duration("ttl", 24*time.Hour, "token lifetime")
	pflag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	*email = strings.ToLower(strings.TrimSpace(*email))

	if *userID == "" {
		if *email == "" {
			log.Fatal("--user or --email is required")
		}
		if cfg.UsesMemoryStore() {
			log.Fatal("--user is required with the in-memory store")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		user, err := store.NewPostgresStore(db).FindUserByEmail(ctx, *email)
		_ = db.Close()
		if err != nil {
			log.WithError(err).WithField("email", *email).Fatal("user lookup failed")
		}
		*userID = user.ID
	}

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(*userID, *email, cfg.JWTIssuer, *ttl))
	if err != nil {
		log.WithError(err).Fatal("issue token")
	}
	fmt.Fprintln(os.Stdout, token)
}
