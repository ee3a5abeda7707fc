// Package store provides database access for the transfer journal and
// receiver registrations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Agoric/dapp-peg-as.us/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Entry describes one transfer attempt as seen by this side.
type Entry struct {
	Direction    Direction
	DenomURI     string
	Denomination string
	Amount       string
	Receiver     string
	Status       Status
	Err          error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Direction Direction
	DenomURI  string
	Limit     int
}

type TransferStore struct {
	db *gorm.DB
}

func NewTransferStore(gdb *gorm.DB) *TransferStore {
	return &TransferStore{db: gdb}
}

func (ts *TransferStore) Record(ctx context.Context, e Entry) error {
	row := db.Transfer{
		Direction:    string(e.Direction),
		DenomURI:     e.DenomURI,
		Denomination: e.Denomination,
		Amount:       e.Amount,
		Receiver:     e.Receiver,
		Status:       string(e.Status),
		CreatedAt:    time.Now().Unix(),
	}
	if e.Err != nil {
		row.Error = e.Err.Error()
	}
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("recording transfer: %w", err)
	}
	return nil
}

// List returns matching transfers, newest first.
func (ts *TransferStore) List(ctx context.Context, f Filter) ([]db.Transfer, error) {
	q := ts.db.WithContext(ctx).Order("id DESC")
	if f.Direction != "" {
		q = q.Where("direction = ?", string(f.Direction))
	}
	if f.DenomURI != "" {
		q = q.Where("denom_uri = ?", f.DenomURI)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var transfers []db.Transfer
	if err := q.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return transfers, nil
}

type RegistrationStore struct {
	db *gorm.DB
}

func NewRegistrationStore(gdb *gorm.DB) *RegistrationStore {
	return &RegistrationStore{db: gdb}
}

// Register creates or updates the account for a receiver. The bool reports
// whether a new row was created.
func (rs *RegistrationStore) Register(ctx context.Context, receiver, account string) (db.Registration, bool, error) {
	existing, err := rs.GetRegistration(ctx, receiver)
	switch {
	case err == nil:
		if existing.Account == account {
			return existing, false, nil
		}
	case !errors.Is(err, ErrNotFound):
		return db.Registration{}, false, err
	}

	reg := db.Registration{Receiver: receiver, Account: account, CreatedAt: time.Now().Unix()}
	res := rs.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "receiver"}},
		DoUpdates: clause.AssignmentColumns([]string{"account"}),
	}).Create(&reg)
	if res.Error != nil {
		return db.Registration{}, false, fmt.Errorf("registering %q: %w", receiver, res.Error)
	}

	saved, err := rs.GetRegistration(ctx, receiver)
	if err != nil {
		return db.Registration{}, false, err
	}
	return saved, existing.ID == 0, nil
}

func (rs *RegistrationStore) Unregister(ctx context.Context, receiver string) error {
	res := rs.db.WithContext(ctx).Where("receiver = ?", receiver).Delete(&db.Registration{})
	if res.Error != nil {
		return fmt.Errorf("unregistering %q: %w", receiver, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: receiver %q", ErrNotFound, receiver)
	}
	return nil
}

func (rs *RegistrationStore) GetRegistration(ctx context.Context, receiver string) (db.Registration, error) {
	var reg db.Registration
	err := rs.db.WithContext(ctx).Where("receiver = ?", receiver).First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Registration{}, fmt.Errorf("%w: receiver %q", ErrNotFound, receiver)
	}
	if err != nil {
		return db.Registration{}, err
	}
	return reg, nil
}

func (rs *RegistrationStore) GetRegistrations(ctx context.Context) ([]db.Registration, error) {
	var regs []db.Registration
	if err := rs.db.WithContext(ctx).Order("receiver").Find(&regs).Error; err != nil {
		return nil, err
	}
	return regs, nil
}
