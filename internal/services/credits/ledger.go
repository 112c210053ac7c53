package credits

import (
	"errors"
	"fmt"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

// ErrInsufficientCredits is returned by Charge when the balance would go
// negative.
var ErrInsufficientCredits = errors.New("insufficient credits")

// LedgerService manages per-user credit balances and their append-only event
// trail. Every balance mutation and its event commit in one transaction.
type LedgerService struct {
	db           *database.DB
	initialGrant int
	bonusCredits int
}

func NewLedgerService(db *database.DB, initialGrant, bonusCredits int) (*LedgerService, error) {
	if err := db.AutoMigrate(&models.CreditAccount{}, &models.CreditEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate credit tables: %w", err)
	}
	return &LedgerService{db: db, initialGrant: initialGrant, bonusCredits: bonusCredits}, nil
}

// Ensure creates the user's account with the initial grant if it does not
// exist yet. Safe to call on every login.
func (s *LedgerService) Ensure(userID string) (*models.CreditAccount, error) {
	var account models.CreditAccount

	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).First(&account).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load credit account: %w", err)
		}

		account = models.CreditAccount{UserID: userID, Balance: s.initialGrant}
		if err := tx.Create(&account).Error; err != nil {
			return fmt.Errorf("failed to create credit account: %w", err)
		}

		event := models.CreditEvent{
			UserID: userID,
			Kind:   models.CreditEventGrant,
			Cost:   0,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("failed to record grant event: %w", err)
		}

		fiberlog.Infof("[%s] credit account seeded with %d credits", userID, s.initialGrant)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Balance returns the user's current balance, seeding the account first if
// needed.
func (s *LedgerService) Balance(userID string) (*models.CreditAccount, error) {
	return s.Ensure(userID)
}

// Charge debits cost credits. The debit is a conditional update that only
// matches rows with enough balance, so concurrent charges cannot overdraw.
func (s *LedgerService) Charge(userID string, cost int) error {
	if cost <= 0 {
		return fmt.Errorf("charge cost must be positive, got %d", cost)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.CreditAccount{}).
			Where("user_id = ? AND balance >= ?", userID, cost).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", cost),
				"total_used": gorm.Expr("total_used + 1"),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to debit credits: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInsufficientCredits
		}

		event := models.CreditEvent{
			UserID: userID,
			Kind:   models.CreditEventConsume,
			Cost:   cost,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("failed to record consume event: %w", err)
		}
		return nil
	})
}

// CanAfford reports whether the user has at least cost credits. A positive
// answer is advisory only; Charge still enforces the balance.
func (s *LedgerService) CanAfford(userID string, cost int) (bool, error) {
	account, err := s.Ensure(userID)
	if err != nil {
		return false, err
	}
	return account.Balance >= cost, nil
}

// Grant credits credits to the user with the given event kind. Purchases pass
// their order ID so the ledger entry links back to the payment.
func (s *LedgerService) Grant(userID string, amount int, kind models.CreditEventKind, orderID string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.grantTx(tx, userID, amount, kind, orderID)
	})
}

// GrantTx is Grant running inside a caller-owned transaction. Payment
// delivery uses it to commit the order transition and the credits atomically.
func (s *LedgerService) GrantTx(tx *gorm.DB, userID string, amount int, kind models.CreditEventKind, orderID string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	return s.grantTx(tx, userID, amount, kind, orderID)
}

func (s *LedgerService) grantTx(tx *gorm.DB, userID string, amount int, kind models.CreditEventKind, orderID string) error {
	result := tx.Model(&models.CreditAccount{}).
		Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return fmt.Errorf("failed to credit account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		account := models.CreditAccount{UserID: userID, Balance: amount}
		if err := tx.Create(&account).Error; err != nil {
			return fmt.Errorf("failed to create credit account: %w", err)
		}
	}

	// Grants carry the credited amount so the event trail stays auditable
	// against the balance.
	event := models.CreditEvent{
		UserID:  userID,
		Kind:    kind,
		Cost:    amount,
		OrderID: orderID,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}

	fiberlog.Infof("[%s] granted %d credits (%s)", userID, amount, kind)
	return nil
}

// FirstSummaryBonus grants the one-time bonus after a user's first completed
// summary. Idempotent: the bonus event itself is the marker.
func (s *LedgerService) FirstSummaryBonus(userID string) (bool, error) {
	if s.bonusCredits <= 0 {
		return false, nil
	}

	granted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.CreditEvent{}).
			Where("user_id = ? AND kind = ?", userID, models.CreditEventFirstSummaryBonus).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check bonus history: %w", err)
		}
		if count > 0 {
			return nil
		}

		if err := s.grantTx(tx, userID, s.bonusCredits, models.CreditEventFirstSummaryBonus, ""); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}

// History returns the user's most recent ledger events, newest first.
func (s *LedgerService) History(userID string, limit int) ([]models.CreditEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var events []models.CreditEvent
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load credit history: %w", err)
	}
	return events, nil
}
