// seed inserts a demo workspace, users and chats for local testing and prints a dev access token per
// user. Users are upserted on every run; chats are only created on the first run.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/samber/lo"

	"chat-notify/internal/chat/domain"
	chatrepo "chat-notify/internal/chat/repository"
	"chat-notify/internal/config"
	"chat-notify/internal/db"
	"chat-notify/internal/security"
	userdomain "chat-notify/internal/user/domain"
	userrepo "chat-notify/internal/user/repository"
)

const (
	devWorkspace = "acme"
	devPassword  = "123456"
)

var devUsers = []struct {
	username string
	email    string
}{
	{"Tyr Chen", "tchen@acme.org"},
	{"Alice Chen", "alice@acme.org"},
	{"Bob Hua", "bob@acme.org"},
	{"Charlie Yin", "charlie@acme.org"},
	{"Daisy Chen", "daisy@acme.org"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	users := userrepo.NewPostgresRepository(pool)
	chats := chatrepo.NewPostgresRepository(pool)
	hasher := security.NewHasher(cfg.BcryptCost)

	wsID, err := users.EnsureWorkspace(ctx, devWorkspace)
	if err != nil {
		log.Fatalf("workspace: %v", err)
	}

	firstRun := true
	seeded := make([]*userdomain.User, 0, len(devUsers))
	for _, du := range devUsers {
		existing, err := users.GetByEmail(ctx, du.email)
		if err != nil {
			log.Fatalf("lookup %s: %v", du.email, err)
		}
		if existing != nil {
			firstRun = false
		}
		hash, err := passwordHash(hasher, existing)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		u := &userdomain.User{WorkspaceID: wsID, Username: du.username, Email: du.email, PasswordHash: hash}
		if err := users.Upsert(ctx, u); err != nil {
			log.Fatalf("upsert %s: %v", du.email, err)
		}
		seeded = append(seeded, u)
	}

	if firstRun {
		if err := seedChats(ctx, chats, wsID, lo.Map(seeded, func(u *userdomain.User, _ int) int64 { return u.ID })); err != nil {
			log.Fatalf("chats: %v", err)
		}
	} else {
		log.Println("Seed users already existed; skipping chats.")
	}

	printTokens(cfg, seeded)
}

// passwordHash reuses the stored hash when it still matches the dev password at the configured cost.
func passwordHash(hasher *security.Hasher, existing *userdomain.User) (string, error) {
	if existing != nil && !hasher.NeedsRehash(existing.PasswordHash) {
		if ok, err := hasher.Matches(existing.PasswordHash, devPassword); err == nil && ok {
			return existing.PasswordHash, nil
		}
	}
	return hasher.Hash(devPassword)
}

func seedChats(ctx context.Context, repo chatrepo.Repository, wsID int64, ids []int64) error {
	named := func(s string) *string { return &s }
	chats := []*domain.Chat{
		{WorkspaceID: wsID, Type: domain.ChatTypeSingle, Members: []int64{ids[0], ids[1]}},
		{WorkspaceID: wsID, Name: named("general"), Type: domain.ChatTypePublicChannel, Members: ids},
		{WorkspaceID: wsID, Name: named("private"), Type: domain.ChatTypePrivateChannel, Members: ids[:3]},
		{WorkspaceID: wsID, Type: domain.ChatTypeGroup, Members: ids[1:4]},
	}
	for _, c := range chats {
		if err := repo.Create(ctx, c); err != nil {
			return err
		}
		log.Printf("created chat %d (%s) members=%v", c.ID, c.DisplayName(), c.Members)
	}
	return repo.CreateMessage(ctx, &domain.Message{ChatID: chats[1].ID, SenderID: ids[0], Content: "hello, world"})
}

func printTokens(cfg *config.Config, users []*userdomain.User) {
	priv, pub, err := security.LoadKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		log.Printf("jwt keys: %v; no dev tokens printed", err)
		return
	}
	if priv == nil {
		log.Println("JWT_PRIVATE_KEY is not set; no dev tokens printed")
		return
	}
	tokens := security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	for _, u := range users {
		token, _, exp, err := tokens.IssueAccess(u.ID, u.WorkspaceID)
		if err != nil {
			log.Fatalf("issue token for %s: %v", u.Email, err)
		}
		fmt.Printf("user %d %s (expires %s)\n  %s\n", u.ID, u.Email, exp.Format(time.RFC3339), token)
	}
}
