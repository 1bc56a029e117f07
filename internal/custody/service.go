package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/novabridge/novabridge-backend/internal/signer"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// Purpose classifies what an address is tracked for.
type Purpose string

const (
	PurposeDeposit   Purpose = "deposit"
	PurposeTemporary Purpose = "temporary"
)

// AddressRecord tracks one threshold-controlled custody address. Records are
// immutable after creation; the service is their sole owner and other
// components only read them.
type AddressRecord struct {
	DepositID                       string         `json:"depositId"`
	Address                         string         `json:"address"`
	PublicKey                       []byte         `json:"publicKey"`
	UserIdentity                    string         `json:"userIdentity"`
	DerivationTag                   string         `json:"derivationTag"`
	CreatedAt                       time.Time      `json:"createdAt"`
	ControlledByThresholdSignatures bool           `json:"controlledByThresholdSignatures"`
	Purpose                         Purpose        `json:"purpose"`
	Metadata                        map[string]any `json:"metadata,omitempty"`
	LedgerRegistered                bool           `json:"ledgerRegistered"`
}

// Registrar is the slice of the ledger client used to announce a custody
// address as a recognized deposit target.
type Registrar interface {
	GenerateDepositAddress(ctx context.Context, identity string) (string, error)
}

// Service derives and tracks per-user custody addresses. Derivation is
// deterministic: one identity maps to one on-chain address, and the
// per-deposit ids handed out here are bookkeeping only, not distinct
// addresses.
type Service struct {
	mu sync.RWMutex

	byDepositID map[string]*AddressRecord
	byAddress   map[string]*AddressRecord
	byUser      map[string][]*AddressRecord

	signer    signer.Signer
	registrar Registrar
	logger    *zap.SugaredLogger
}

func NewService(sig signer.Signer, registrar Registrar, logger *zap.SugaredLogger) *Service {
	return &Service{
		byDepositID: make(map[string]*AddressRecord),
		byAddress:   make(map[string]*AddressRecord),
		byUser:      make(map[string][]*AddressRecord),
		signer:      sig,
		registrar:   registrar,
		logger:      logger,
	}
}

// GenerateAddress derives (or re-derives) the custody address for a user and
// registers it with the bridge ledger. Registration failure degrades the
// record instead of failing the call; a signer failure fails the call and
// creates nothing.
func (s *Service) GenerateAddress(ctx context.Context, identity string, purpose Purpose, metadata map[string]any) (*AddressRecord, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrInvalidRequest)
	}
	if purpose == "" {
		purpose = PurposeDeposit
	}

	key, err := s.signer.DeriveAddress(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("derive custody address: %w", err)
	}

	s.mu.Lock()
	if existing, ok := s.byAddress[key.Address]; ok {
		// Same identity, same address. Hand out a fresh deposit id for
		// bookkeeping but keep the record itself immutable.
		depositID := uuid.NewString()
		s.byDepositID[depositID] = existing
		s.mu.Unlock()
		return existing, nil
	}

	record := &AddressRecord{
		DepositID:                       uuid.NewString(),
		Address:                         key.Address,
		PublicKey:                       key.PublicKey,
		UserIdentity:                    identity,
		DerivationTag:                   fmt.Sprintf("user:%s", identity),
		CreatedAt:                       time.Now(),
		ControlledByThresholdSignatures: true,
		Purpose:                         purpose,
		Metadata:                        metadata,
	}
	s.byDepositID[record.DepositID] = record
	s.byAddress[record.Address] = record
	s.byUser[identity] = append(s.byUser[identity], record)
	s.mu.Unlock()

	// Best-effort: a usable-but-unregistered address beats a failed call.
	if s.registrar != nil {
		if _, err := s.registrar.GenerateDepositAddress(ctx, identity); err != nil {
			s.logger.Warnw("Ledger registration failed; custody address usable but unregistered",
				"identity", identity,
				"address", record.Address,
				"error", err,
			)
		} else {
			s.mu.Lock()
			record.LedgerRegistered = true
			s.mu.Unlock()
		}
	}

	s.logger.Infow("Custody address derived",
		"identity", identity,
		"address", record.Address,
		"purpose", purpose,
		"ledgerRegistered", record.LedgerRegistered,
	)

	return record, nil
}

// CustodyAddressFor returns the custody address for a user, deriving it on
// first use. Withdrawals are paid out of this address.
func (s *Service) CustodyAddressFor(ctx context.Context, identity string) (string, error) {
	s.mu.RLock()
	records := s.byUser[identity]
	if len(records) > 0 {
		addr := records[0].Address
		s.mu.RUnlock()
		return addr, nil
	}
	s.mu.RUnlock()

	record, err := s.GenerateAddress(ctx, identity, PurposeDeposit, nil)
	if err != nil {
		return "", err
	}
	return record.Address, nil
}

// VerifyControl re-derives the address from the record's identity and
// compares. It never trusts the stored flag alone.
func (s *Service) VerifyControl(ctx context.Context, address string) (bool, error) {
	s.mu.RLock()
	record, ok := s.byAddress[address]
	s.mu.RUnlock()
	if !ok {
		return false, ErrNotFound
	}

	key, err := s.signer.DeriveAddress(ctx, record.UserIdentity)
	if err != nil {
		return false, fmt.Errorf("re-derive custody address: %w", err)
	}
	return key.Address == address, nil
}

func (s *Service) ListAddressesForUser(identity string) []*AddressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.byUser[identity]
	out := make([]*AddressRecord, len(records))
	copy(out, records)
	return out
}

// AllControlledAddresses returns every threshold-controlled address for
// reserve verification.
func (s *Service) AllControlledAddresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addresses := make([]string, 0, len(s.byAddress))
	for addr, record := range s.byAddress {
		if record.ControlledByThresholdSignatures {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}

// RecordForDeposit resolves a record by its synthetic deposit id.
func (s *Service) RecordForDeposit(depositID string) (*AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if record, ok := s.byDepositID[depositID]; ok {
		return record, nil
	}
	return nil, ErrNotFound
}

// RecordForAddress resolves a record by address.
func (s *Service) RecordForAddress(address string) (*AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if record, ok := s.byAddress[address]; ok {
		return record, nil
	}
	return nil, ErrNotFound
}

// CleanupExpired drops temporary records older than maxAge. Deposit records
// are permanent.
func (s *Service) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for addr, record := range s.byAddress {
		if record.Purpose != PurposeTemporary || record.CreatedAt.After(cutoff) {
			continue
		}
		delete(s.byAddress, addr)
		for id, r := range s.byDepositID {
			if r == record {
				delete(s.byDepositID, id)
			}
		}
		users := s.byUser[record.UserIdentity]
		for i, r := range users {
			if r == record {
				s.byUser[record.UserIdentity] = append(users[:i], users[i+1:]...)
				break
			}
		}
		removed++
	}

	if removed > 0 {
		s.logger.Infow("Expired custody records removed", "count", removed)
	}
	return removed
}
