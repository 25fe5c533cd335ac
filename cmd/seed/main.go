// seed inserts development users for local testing. Run via go run ./cmd/seed.
// Idempotent: users whose email already exists are skipped.
package main

import (
	"context"
	"errors"
	"log"

	"quelyos-auth/internal/config"
	"quelyos-auth/internal/db"
	identityservice "quelyos-auth/internal/identity/service"
	"quelyos-auth/internal/security"
	userdomain "quelyos-auth/internal/user/domain"
	userrepo "quelyos-auth/internal/user/repository"
)

const (
	devPassword   = "Password123!dev"
	devCompanyID  = 1
	otherCompany  = 2
	adminEmail    = "admin@example.com"
	memberEmail   = "member@example.com"
	outsiderEmail = "outsider@example.com"
	rootEmail     = "root@example.com"
)

type seedUser struct {
	email     string
	role      string
	companyID int64
}

var seedUsers = []seedUser{
	{adminEmail, userdomain.RoleAdmin, devCompanyID},
	{memberEmail, userdomain.RoleUser, devCompanyID},
	{outsiderEmail, userdomain.RoleUser, otherCompany},
	{rootEmail, userdomain.RoleSuperAdmin, 0},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	// Register only touches users and the hasher.
	svc := identityservice.NewAuthService(
		userrepo.NewPostgresRepository(conn),
		nil,
		security.NewHasher(cfg.BcryptCost),
		nil,
		identityservice.Options{},
	)

	ctx := context.Background()
	for _, su := range seedUsers {
		u, err := svc.Register(ctx, su.email, devPassword, su.role, su.companyID)
		if errors.Is(err, identityservice.ErrEmailAlreadyRegistered) {
			log.Printf("seed: %s already exists, skipping", su.email)
			continue
		}
		if err != nil {
			log.Fatalf("seed: %s: %v", su.email, err)
		}
		log.Printf("seed: created %s (id=%d role=%s company=%d)", u.Email, u.ID, u.Role, u.CompanyID)
	}
	log.Printf("seed: done; all users share password %q", devPassword)
}
