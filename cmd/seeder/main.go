package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"hermes/internal/adapters/config"
	"hermes/internal/adapters/postgres"
	"hermes/internal/domain/virtualkey"
	repo "hermes/internal/repository/postgres"
	"hermes/pkg/crypto"
	"hermes/pkg/logger"
)

// Seeds a virtual key for local development. Plaintext credentials come
// from SEED_* environment variables and are encrypted before insert.
func main() {
	userFlag := flag.String("user", "", "Owner user ID (UUID), generated when empty")
	exchangeFlag := flag.String("exchange", "binance", "Exchange: binance or bybit")
	labelFlag := flag.String("label", "dev", "Key label")
	testnetFlag := flag.Bool("testnet", true, "Mark the key as testnet")
	dryRun := flag.Bool("dry-run", false, "Validate inputs without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()

	exchange := virtualkey.ExchangeType(*exchangeFlag)
	if !exchange.Valid() {
		log.Fatalf("Unknown exchange: %s", *exchangeFlag)
	}

	userID := uuid.New()
	if *userFlag != "" {
		userID, err = uuid.Parse(*userFlag)
		if err != nil {
			log.Fatalf("Invalid user ID: %v", err)
		}
	}

	apiKey := os.Getenv("SEED_API_KEY")
	secret := os.Getenv("SEED_API_SECRET")
	if apiKey == "" || secret == "" {
		log.Fatal("SEED_API_KEY and SEED_API_SECRET must be set")
	}
	streamKey := os.Getenv("SEED_STREAM_API_KEY")
	streamSecret := os.Getenv("SEED_STREAM_SECRET")

	encryptor, err := crypto.NewEncryptor(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	key := &virtualkey.VirtualKey{
		ID:                 uuid.New(),
		UserID:             userID,
		Exchange:           exchange,
		Label:              *labelFlag,
		IsTestnet:          *testnetFlag,
		Permissions:        splitPermissions(os.Getenv("SEED_PERMISSIONS")),
		RateLimitPerMinute: 600,
		IsActive:           true,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}

	if err := key.SetPair(virtualkey.KindHMAC,
		virtualkey.SecretPair{APIKey: apiKey, Secret: secret}, encryptor); err != nil {
		log.Fatalf("Failed to encrypt REST pair: %v", err)
	}
	if streamKey != "" && streamSecret != "" {
		if err := key.SetPair(virtualkey.KindEd25519,
			virtualkey.SecretPair{APIKey: streamKey, Secret: streamSecret}, encryptor); err != nil {
			log.Fatalf("Failed to encrypt stream pair: %v", err)
		}
	}

	log.Infow("Seeding virtual key",
		"key_id", key.ID,
		"user_id", key.UserID,
		"exchange", key.Exchange,
		"label", key.Label,
		"testnet", key.IsTestnet,
		"has_stream_pair", streamKey != "",
	)

	if *dryRun {
		log.Info("Dry-run mode: inputs validated")
		return
	}

	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pgClient.Close()

	keyRepo := repo.NewVirtualKeyRepository(pgClient.DB())
	if err := keyRepo.Create(context.Background(), key); err != nil {
		log.Fatalf("Failed to insert virtual key: %v", err)
	}

	log.Infow("Virtual key seeded", "key_id", key.ID, "user_id", key.UserID)
}

func splitPermissions(raw string) []string {
	if raw == "" {
		return []string{"read", "trade"}
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
