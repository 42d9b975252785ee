package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DailyCooldown       = 24 * time.Hour
	defaultTopBalances  = 10
	maxLeaderboardLimit = 100
)

// EconomyAccount is a user's global wallet. Accounts are created on
// first touch with every amount at zero.
type EconomyAccount struct {
	UserID  string `gorm:"primaryKey" json:"user_id"`
	Balance int64  `gorm:"not null" json:"balance"`
	Bank    int64  `gorm:"not null" json:"bank"`

	// LastDaily is the Unix millisecond time of the last daily claim
	LastDaily *int64 `json:"last_daily"`

	// TotalEarned only grows: it counts positive balance changes and
	// daily claims, never transfers received.
	TotalEarned int64 `gorm:"not null" json:"total_earned"`

	ModelUnixTime
}

func (EconomyAccount) TableName() string {
	return "economy_accounts"
}

// NetWorth is the wallet plus the bank
func (a EconomyAccount) NetWorth() int64 {
	return a.Balance + a.Bank
}

// NextDaily returns when the account can next claim its daily reward.
// The zero time means it can claim now.
func (a EconomyAccount) NextDaily() time.Time {
	if a.LastDaily == nil {
		return time.Time{}
	}
	return time.UnixMilli(*a.LastDaily).UTC().Add(DailyCooldown)
}

func canClaimDaily(lastDaily *int64, now time.Time) bool {
	if lastDaily == nil {
		return true
	}
	return now.UTC().UnixMilli()-*lastDaily >= DailyCooldown.Milliseconds()
}

func ensureAccount(tx *gorm.DB, userIDs ...string) error {
	for _, userID := range userIDs {
		acct := EconomyAccount{UserID: userID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
			return err
		}
	}
	return nil
}

func takeAccount(tx *gorm.DB, userID string) (EconomyAccount, error) {
	var acct EconomyAccount
	err := tx.Where("user_id = ?", userID).Take(&acct).Error
	return acct, err
}

// GetAccount returns the user's account, creating it if needed
func (s *Store) GetAccount(ctx context.Context, userID string) (EconomyAccount, error) {
	acct, err := takeAccount(s.reader(ctx), userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return acct, fmt.Errorf("error getting account: %w", err)
	}
	if _, err = s.db.Upsert(
		ctx,
		&EconomyAccount{UserID: userID},
		clause.OnConflict{DoNothing: true},
	); err != nil {
		return acct, fmt.Errorf("error creating account: %w", err)
	}
	acct, err = takeAccount(s.reader(ctx), userID)
	if err != nil {
		return acct, fmt.Errorf("error getting account: %w", err)
	}
	return acct, nil
}

// modifyAccount ensures the account exists, applies values to it, and
// returns the row as it is after the update.
func (s *Store) modifyAccount(
	ctx context.Context,
	userID string,
	values map[string]any,
) (EconomyAccount, error) {
	var acct EconomyAccount
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureAccount(tx, userID); err != nil {
				return err
			}
			if err := tx.Model(&EconomyAccount{}).
				Where("user_id = ?", userID).
				Updates(values).Error; err != nil {
				return err
			}
			var err error
			acct, err = takeAccount(tx, userID)
			return err
		},
	)
	return acct, err
}

// AddBalance changes the wallet by delta. Positive deltas also count
// towards TotalEarned. The result isn't checked against zero: use
// [Store.Spend] for debits that must not overdraw.
func (s *Store) AddBalance(ctx context.Context, userID string, delta int64) (
	EconomyAccount,
	error,
) {
	acct, err := s.modifyAccount(
		ctx, userID, map[string]any{
			"balance":      gorm.Expr("balance + ?", delta),
			"total_earned": gorm.Expr("total_earned + ?", max(0, delta)),
		},
	)
	if err != nil {
		return acct, fmt.Errorf("error adding balance: %w", err)
	}
	return acct, nil
}

// AddToBank changes the bank by delta. TotalEarned is unchanged.
func (s *Store) AddToBank(ctx context.Context, userID string, delta int64) (
	EconomyAccount,
	error,
) {
	acct, err := s.modifyAccount(
		ctx, userID, map[string]any{
			"bank": gorm.Expr("bank + ?", delta),
		},
	)
	if err != nil {
		return acct, fmt.Errorf("error adding to bank: %w", err)
	}
	return acct, nil
}

// ClaimDaily credits amount and records the claim time, without checking
// eligibility. [Store.TryClaimDaily] is the checked variant.
func (s *Store) ClaimDaily(ctx context.Context, userID string, amount int64) (
	EconomyAccount,
	error,
) {
	acct, err := s.modifyAccount(
		ctx, userID, map[string]any{
			"balance":      gorm.Expr("balance + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
			"last_daily":   s.nowMillis(),
		},
	)
	if err != nil {
		return acct, fmt.Errorf("error claiming daily: %w", err)
	}
	return acct, nil
}

// CanClaimDaily reports whether at least [DailyCooldown] has passed
// since the user's last claim (or they've never claimed).
func (s *Store) CanClaimDaily(ctx context.Context, userID string) (bool, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	return canClaimDaily(acct.LastDaily, s.now()), nil
}

// TryClaimDaily checks eligibility and claims in a single conditional
// update, so two concurrent /daily invocations can't both be paid.
// Returns false, with the unchanged account, if the user already
// claimed within [DailyCooldown].
func (s *Store) TryClaimDaily(ctx context.Context, userID string, amount int64) (
	bool,
	EconomyAccount,
	error,
) {
	var claimed bool
	var acct EconomyAccount
	now := s.nowMillis()
	cutoff := now - DailyCooldown.Milliseconds()

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureAccount(tx, userID); err != nil {
				return err
			}
			rv := tx.Model(&EconomyAccount{}).
				Where("user_id = ? AND (last_daily IS NULL OR last_daily <= ?)", userID, cutoff).
				Updates(
					map[string]any{
						"balance":      gorm.Expr("balance + ?", amount),
						"total_earned": gorm.Expr("total_earned + ?", amount),
						"last_daily":   now,
					},
				)
			if rv.Error != nil {
				return rv.Error
			}
			claimed = rv.RowsAffected == 1
			var err error
			acct, err = takeAccount(tx, userID)
			return err
		},
	)
	if err != nil {
		return false, acct, fmt.Errorf("error claiming daily: %w", err)
	}
	return claimed, acct, nil
}

// Transfer moves amount from one wallet to another. It returns false,
// changing nothing, when the sender's balance is short (or the amount
// isn't positive, or both users are the same). The receiver's
// TotalEarned isn't affected.
func (s *Store) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64) (
	bool,
	error,
) {
	if amount <= 0 || fromUserID == toUserID {
		return false, nil
	}

	var transferred bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureAccount(tx, fromUserID, toUserID); err != nil {
				return err
			}
			sender, err := takeAccount(lockForUpdate(tx), fromUserID)
			if err != nil {
				return err
			}
			if sender.Balance < amount {
				return nil
			}

			debit := tx.Model(&EconomyAccount{}).
				Where("user_id = ? AND balance >= ?", fromUserID, amount).
				Update("balance", gorm.Expr("balance - ?", amount))
			if debit.Error != nil {
				return debit.Error
			}
			if debit.RowsAffected != 1 {
				return nil
			}

			credit := tx.Model(&EconomyAccount{}).
				Where("user_id = ?", toUserID).
				Update("balance", gorm.Expr("balance + ?", amount))
			if credit.Error != nil {
				return credit.Error
			}
			transferred = true
			return nil
		},
	)
	if err != nil {
		return false, fmt.Errorf("error transferring balance: %w", err)
	}
	return transferred, nil
}

// conditionalMove runs a single UPDATE guarded by guard, returning
// whether it applied.
func (s *Store) conditionalMove(
	ctx context.Context,
	userID string,
	amount int64,
	guard string,
	values map[string]any,
) (bool, EconomyAccount, error) {
	var moved bool
	var acct EconomyAccount
	if amount <= 0 {
		a, err := s.GetAccount(ctx, userID)
		return false, a, err
	}
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureAccount(tx, userID); err != nil {
				return err
			}
			rv := tx.Model(&EconomyAccount{}).
				Where("user_id = ?", userID).
				Where(guard, amount).
				Updates(values)
			if rv.Error != nil {
				return rv.Error
			}
			moved = rv.RowsAffected == 1
			var err error
			acct, err = takeAccount(tx, userID)
			return err
		},
	)
	return moved, acct, err
}

// Spend debits amount from the wallet only if the balance covers it
func (s *Store) Spend(ctx context.Context, userID string, amount int64) (
	bool,
	EconomyAccount,
	error,
) {
	ok, acct, err := s.conditionalMove(
		ctx, userID, amount, "balance >= ?", map[string]any{
			"balance": gorm.Expr("balance - ?", amount),
		},
	)
	if err != nil {
		return false, acct, fmt.Errorf("error spending balance: %w", err)
	}
	return ok, acct, nil
}

// Deposit moves amount from the wallet to the bank
func (s *Store) Deposit(ctx context.Context, userID string, amount int64) (
	bool,
	EconomyAccount,
	error,
) {
	ok, acct, err := s.conditionalMove(
		ctx, userID, amount, "balance >= ?", map[string]any{
			"balance": gorm.Expr("balance - ?", amount),
			"bank":    gorm.Expr("bank + ?", amount),
		},
	)
	if err != nil {
		return false, acct, fmt.Errorf("error depositing: %w", err)
	}
	return ok, acct, nil
}

// Withdraw moves amount from the bank to the wallet
func (s *Store) Withdraw(ctx context.Context, userID string, amount int64) (
	bool,
	EconomyAccount,
	error,
) {
	ok, acct, err := s.conditionalMove(
		ctx, userID, amount, "bank >= ?", map[string]any{
			"balance": gorm.Expr("balance + ?", amount),
			"bank":    gorm.Expr("bank - ?", amount),
		},
	)
	if err != nil {
		return false, acct, fmt.Errorf("error withdrawing: %w", err)
	}
	return ok, acct, nil
}

// TopBalances returns the richest accounts by wallet plus bank
func (s *Store) TopBalances(ctx context.Context, limit int) ([]EconomyAccount, error) {
	if limit <= 0 {
		limit = defaultTopBalances
	}
	limit = min(limit, maxLeaderboardLimit)

	var accounts []EconomyAccount
	err := s.reader(ctx).
		Order("balance + bank DESC").
		Order("user_id ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("error getting top balances: %w", err)
	}
	return accounts, nil
}
