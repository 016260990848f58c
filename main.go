package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	api "storysync/cmd/api"
	accountdomain "storysync/internal/account/domain"
	accountrepo "storysync/internal/account/repository"
	"storysync/internal/assemble"
	"storysync/internal/deliver"
	"storysync/internal/extract"
	"storysync/internal/extract/fanfiction"
	"storysync/internal/history"
	"storysync/internal/notification"
	syncdomain "storysync/internal/sync/domain"
	syncrepo "storysync/internal/sync/repository"
	"storysync/internal/sync/usecase"
	"storysync/internal/vault"
	"storysync/pkg/config"
	"storysync/pkg/database"
	"storysync/pkg/drive"
	"storysync/pkg/gmail"
)

// mailboxProvider adapts the Gmail service to the orchestrator's provider
// contract, translating refreshed oauth tokens into credentials the vault
// can seal.
type mailboxProvider struct {
	service *gmail.Service
}

func (p *mailboxProvider) NewSession(ctx context.Context, cred *vault.Credential, onRefresh usecase.CredentialSaver) (history.Mailbox, error) {
	refreshToken := cred.RefreshToken
	callback := func(token *oauth2.Token) error {
		if token.RefreshToken != "" {
			refreshToken = token.RefreshToken
		}
		return onRefresh(&vault.Credential{
			AccessToken:  token.AccessToken,
			RefreshToken: refreshToken,
			Expiry:       token.Expiry,
		})
	}
	session, err := p.service.NewSession(ctx, cred, callback)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *mailboxProvider) Refresh(ctx context.Context, cred *vault.Credential) (*vault.Credential, error) {
	return p.service.Refresh(ctx, cred)
}

func main() {
	// Load configuration
	cfg := config.Load()

	if cfg.AccountEmail == "" {
		log.Fatal("ACCOUNT_EMAIL must be configured")
	}

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&accountdomain.Account{}, &syncdomain.CheckpointState{}, &syncdomain.DeliveryRecord{}, &syncdomain.PendingRetry{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	accountRepo := accountrepo.NewAccountRepository(db)
	checkpointRepo := syncrepo.NewCheckpointRepository(db)
	ledgerRepo := syncrepo.NewLedgerRepository(db)
	retryRepo := syncrepo.NewRetryRepository(db)

	// Initialize credential vault
	v, err := vault.New(cfg.VaultMasterKey)
	if err != nil {
		log.Fatal("Failed to initialize credential vault:", err)
	}

	// Seed or load the account credential
	account, err := ensureAccount(accountRepo, v, cfg.AccountEmail)
	if err != nil {
		log.Fatal("Failed to load account:", err)
	}
	cred, err := v.OpenCredential(account.Credential)
	if err != nil {
		log.Fatal("Failed to open account credential:", err)
	}

	// Initialize Gmail service
	gmailService := gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret)
	provider := &mailboxProvider{service: gmailService}

	// Initialize source registry and assembler
	registry := extract.NewRegistry(fanfiction.New(cfg.FetchTimeout))
	assembler := assemble.New()

	// Initialize Drive client and delivery manager
	ctx := context.Background()
	driveClient, err := drive.NewClient(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.DriveFolderID, cred)
	if err != nil {
		log.Fatal("Failed to initialize Drive client:", err)
	}
	deliverer := deliver.NewManager(driveClient, ledgerRepo)

	// Reconcile the ledger against the remote folder before the first cycle
	if err := deliverer.Reconcile(ctx); err != nil {
		log.Printf("[WARN] Ledger reconciliation failed: %v", err)
	}

	// Initialize orchestrator
	orchestrator := usecase.NewOrchestrator(
		usecase.Config{
			AccountEmail: cfg.AccountEmail,
			Workers:      cfg.SyncWorkers,
			FetchTimeout: cfg.FetchTimeout,
		},
		accountRepo, v, provider, registry, assembler, deliverer,
		checkpointRepo, retryRepo,
	)

	// Initialize Notification Service (Pub/Sub)
	// Only start if project ID is configured
	var notifService *notification.Service
	if cfg.GoogleProjectID != "" {
		// Extract short topic name from full resource name if necessary
		topicName := cfg.GooglePubSubTopic
		if parts := strings.Split(topicName, "/"); len(parts) > 1 {
			topicName = parts[len(parts)-1]
		}

		notifService, err = notification.NewService(cfg.GoogleProjectID, topicName, cfg.GooglePubSubSub, cfg.AccountEmail, orchestrator, cfg.GoogleCredentials)
		if err != nil {
			log.Printf("[ERROR] Failed to initialize notification service: %v", err)
		} else {
			go notifService.Start(ctx)
		}

		// Register the mailbox watch and keep it alive; watches expire
		// after about a week.
		topicResource := fmt.Sprintf("projects/%s/topics/%s", cfg.GoogleProjectID, topicName)
		go maintainWatch(ctx, provider, v, accountRepo, cfg.AccountEmail, topicResource)
	} else {
		log.Printf("[WARN] GOOGLE_PROJECT_ID not configured, notification service disabled")
	}

	// Run one cycle at startup to drain anything that arrived while down
	go func() {
		if err := orchestrator.Trigger(ctx); err != nil {
			log.Printf("[Sync] Startup cycle failed: %v", err)
		}
	}()

	// Initialize HTTP handler
	var notifier api.Notifier
	if notifService != nil {
		notifier = notifService
	}
	handler := api.NewHandler(orchestrator, notifier, checkpointRepo, ledgerRepo, retryRepo, cfg)

	// Start server
	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// ensureAccount loads the configured account, seeding it from the
// environment on first run so the operator can bootstrap without a separate
// tool. The plaintext tokens are read once and stored sealed.
func ensureAccount(repo accountrepo.AccountRepository, v *vault.Vault, email string) (*accountdomain.Account, error) {
	account, err := repo.FindByEmail(email)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	accessToken := os.Getenv("GOOGLE_ACCESS_TOKEN")
	refreshToken := os.Getenv("GOOGLE_REFRESH_TOKEN")
	if refreshToken == "" {
		return nil, fmt.Errorf("account %s is not registered and GOOGLE_REFRESH_TOKEN is not set", email)
	}

	sealed, err := v.SealCredential(&vault.Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}

	account = &accountdomain.Account{Email: email, Credential: sealed}
	if err := repo.Save(account); err != nil {
		return nil, err
	}
	log.Printf("[Vault] Registered account %s with sealed credential", email)
	return account, nil
}

// maintainWatch registers the Gmail watch and renews it daily.
func maintainWatch(ctx context.Context, provider *mailboxProvider, v *vault.Vault, accounts accountrepo.AccountRepository, email, topicResource string) {
	register := func() {
		account, err := accounts.FindByEmail(email)
		if err != nil || account == nil {
			log.Printf("[Gmail] Cannot register watch, account unavailable: %v", err)
			return
		}
		cred, err := v.OpenCredential(account.Credential)
		if err != nil {
			log.Printf("[Gmail] Cannot register watch: %v", err)
			return
		}
		session, err := provider.NewSession(ctx, cred, func(c *vault.Credential) error {
			sealed, serr := v.SealCredential(c)
			if serr != nil {
				return serr
			}
			account.Credential = sealed
			return accounts.Save(account)
		})
		if err != nil {
			log.Printf("[Gmail] Cannot register watch: %v", err)
			return
		}
		gmailSession, ok := session.(*gmail.Session)
		if !ok {
			return
		}
		cp, err := gmailSession.Watch(ctx, topicResource)
		if err != nil {
			log.Printf("[Gmail] Watch registration failed: %v", err)
			return
		}
		log.Printf("[Gmail] Watch registered on %s (historyId %s)", topicResource, cp)
	}

	register()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}
