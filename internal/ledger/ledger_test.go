package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/settle/internal/custody"
	"github.com/mbd888/settle/internal/keys"
)

var testProgram = keys.MustParse("5bCqmbtwBZSvorHtu8PtsFPWoL1drC8Ps7vD5DgwqPPa")

func newKey(t *testing.T) keys.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	k, err := keys.FromBytes(pub)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return k
}

func fund(t *testing.T, l *Ledger, k keys.PublicKey, amount uint64) {
	t.Helper()
	if err := l.Deposit(context.Background(), k, amount, "test"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
}

func balance(t *testing.T, l *Ledger, k keys.PublicKey) uint64 {
	t.Helper()
	b, err := l.Balance(context.Background(), k)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b
}

// custodyAccount creates a program-owned account for txID holding amount.
func custodyAccount(t *testing.T, l *Ledger, payer keys.PublicKey, txID, amount uint64) (keys.PublicKey, custody.Signer) {
	t.Helper()
	addr, bump, err := custody.Locate(testProgram, txID)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	err = l.Update(context.Background(), "setup", func(tx Tx) error {
		if _, err := tx.CreateAccount(context.Background(), addr, testProgram, payer, 8); err != nil {
			return err
		}
		return tx.Transfer(context.Background(), payer, addr, amount, SignedBy(payer))
	})
	if err != nil {
		t.Fatalf("setup custody failed: %v", err)
	}
	return addr, custody.EscrowSigner(testProgram, txID, bump)
}

func TestLedger_Deposit(t *testing.T) {
	l := New(NewMemoryStore())
	k := newKey(t)

	fund(t, l, k, 1000)
	fund(t, l, k, 500)

	if got := balance(t, l, k); got != 1500 {
		t.Errorf("expected 1500, got %d", got)
	}

	acct, err := l.Account(context.Background(), k)
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if acct.IsProgramOwned() {
		t.Error("deposited account should be key-controlled")
	}
}

func TestLedger_DepositZero(t *testing.T) {
	l := New(NewMemoryStore())
	if err := l.Deposit(context.Background(), newKey(t), 0, "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLedger_BalanceUnknownAccount(t *testing.T) {
	l := New(NewMemoryStore())
	if got := balance(t, l, newKey(t)); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if _, err := l.Account(context.Background(), newKey(t)); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLedger_SignedTransfer(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 1000)

	err := l.Update(ctx, "pay", func(tx Tx) error {
		return tx.Transfer(ctx, alice, bob, 400, SignedBy(alice))
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if got := balance(t, l, alice); got != 600 {
		t.Errorf("alice: expected 600, got %d", got)
	}
	if got := balance(t, l, bob); got != 400 {
		t.Errorf("bob: expected 400, got %d", got)
	}
}

func TestLedger_TransferRequiresOwnSignature(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 1000)

	err := l.Update(ctx, "steal", func(tx Tx) error {
		return tx.Transfer(ctx, alice, bob, 400, SignedBy(bob))
	})
	if !errors.Is(err, ErrInvalidAuthorization) {
		t.Fatalf("expected ErrInvalidAuthorization, got %v", err)
	}
	if got := balance(t, l, alice); got != 1000 {
		t.Errorf("alice balance changed: %d", got)
	}
}

func TestLedger_TransferInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 100)

	err := l.Update(ctx, "overdraw", func(tx Tx) error {
		return tx.Transfer(ctx, alice, bob, 101, SignedBy(alice))
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Unknown source account has no funds.
	err = l.Update(ctx, "ghost", func(tx Tx) error {
		return tx.Transfer(ctx, bob, alice, 1, SignedBy(bob))
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for unknown source, got %v", err)
	}
}

func TestLedger_TransferOverflow(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 10)
	fund(t, l, bob, math.MaxUint64)

	err := l.Update(ctx, "overflow", func(tx Tx) error {
		return tx.Transfer(ctx, alice, bob, 1, SignedBy(alice))
	})
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	if got := balance(t, l, alice); got != 10 {
		t.Errorf("debit should have rolled back, alice has %d", got)
	}
}

func TestLedger_SelfTransfer(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice := newKey(t)
	fund(t, l, alice, 50)

	err := l.Update(ctx, "self", func(tx Tx) error {
		return tx.Transfer(ctx, alice, alice, 50, SignedBy(alice))
	})
	if err != nil {
		t.Fatalf("self transfer failed: %v", err)
	}
	if got := balance(t, l, alice); got != 50 {
		t.Errorf("expected 50 after self transfer, got %d", got)
	}
}

func TestLedger_ProgramOwnedSelfTransferRejected(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 1000)
	addr, signer := custodyAccount(t, l, payer, 8, 600)

	err := l.Update(ctx, "self", func(tx Tx) error {
		return tx.Transfer(ctx, addr, addr, 600, ProgramSigned(signer))
	})
	if !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
	if got := balance(t, l, addr); got != 600 {
		t.Errorf("custody: expected 600, got %d", got)
	}
}

func TestLedger_ProgramSignedTransfer(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer, dest := newKey(t), newKey(t)
	fund(t, l, payer, 1000)

	addr, signer := custodyAccount(t, l, payer, 7, 600)

	err := l.Update(ctx, "release", func(tx Tx) error {
		return tx.Transfer(ctx, addr, dest, 600, ProgramSigned(signer))
	})
	if err != nil {
		t.Fatalf("program-signed transfer failed: %v", err)
	}
	if got := balance(t, l, dest); got != 600 {
		t.Errorf("dest: expected 600, got %d", got)
	}
	if got := balance(t, l, addr); got != 0 {
		t.Errorf("custody: expected 0, got %d", got)
	}
}

func TestLedger_ProgramOwnedRejectsKeySignature(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 1000)

	addr, _ := custodyAccount(t, l, payer, 8, 500)

	err := l.Update(ctx, "bypass", func(tx Tx) error {
		return tx.Transfer(ctx, addr, payer, 500, SignedBy(addr))
	})
	if !errors.Is(err, ErrInvalidAuthorization) {
		t.Fatalf("expected ErrInvalidAuthorization, got %v", err)
	}
}

func TestLedger_ProgramOwnedRejectsWrongSeeds(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 1000)

	addr, signer := custodyAccount(t, l, payer, 9, 500)
	_, otherSigner := custodyAccount(t, l, payer, 10, 100)

	err := l.Update(ctx, "wrong seeds", func(tx Tx) error {
		return tx.Transfer(ctx, addr, payer, 500, ProgramSigned(otherSigner))
	})
	if !errors.Is(err, ErrInvalidAuthorization) {
		t.Fatalf("expected ErrInvalidAuthorization for other escrow's seeds, got %v", err)
	}

	foreign := custody.Signer{Program: newKey(t), Seeds: signer.Seeds}
	err = l.Update(ctx, "wrong program", func(tx Tx) error {
		return tx.Transfer(ctx, addr, payer, 500, ProgramSigned(foreign))
	})
	if !errors.Is(err, ErrInvalidAuthorization) {
		t.Fatalf("expected ErrInvalidAuthorization for foreign program, got %v", err)
	}
}

func TestLedger_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 1000)

	boom := errors.New("boom")
	addr, _, err := custody.Locate(testProgram, 11)
	if err != nil {
		t.Fatal(err)
	}
	err = l.Update(ctx, "partial", func(tx Tx) error {
		if _, err := tx.CreateAccount(ctx, addr, testProgram, alice, 16); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, alice, bob, 300, SignedBy(alice)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if got := balance(t, l, alice); got != 1000 {
		t.Errorf("alice: expected 1000 after rollback, got %d", got)
	}
	if got := balance(t, l, bob); got != 0 {
		t.Errorf("bob: expected 0 after rollback, got %d", got)
	}
	if _, err := l.Account(ctx, addr); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("created account should not survive rollback, got %v", err)
	}
}

func TestLedger_UpdateRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 1000)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		_ = l.Update(ctx, "panics", func(tx Tx) error {
			if err := tx.Transfer(ctx, alice, bob, 300, SignedBy(alice)); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	done := make(chan error, 1)
	go func() {
		done <- l.Update(ctx, "after", func(tx Tx) error {
			return tx.Transfer(ctx, alice, bob, 100, SignedBy(alice))
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("update after panic failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ledger still locked after a panicking update")
	}

	if got := balance(t, l, alice); got != 900 {
		t.Errorf("alice: expected 900, got %d", got)
	}
	if got := balance(t, l, bob); got != 100 {
		t.Errorf("bob: expected 100, got %d", got)
	}
}

func TestLedger_ReadsObserveOwnWrites(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 1000)

	err := l.Update(ctx, "read", func(tx Tx) error {
		if err := tx.Transfer(ctx, alice, bob, 250, SignedBy(alice)); err != nil {
			return err
		}
		acct, err := tx.Account(ctx, bob)
		if err != nil {
			return err
		}
		if acct.Lamports != 250 {
			t.Errorf("expected 250 inside tx, got %d", acct.Lamports)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestLedger_CreateAccountExists(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 1000)

	addr, _ := custodyAccount(t, l, payer, 12, 10)

	err := l.Update(ctx, "again", func(tx Tx) error {
		_, err := tx.CreateAccount(ctx, addr, testProgram, payer, 8)
		return err
	})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	// Creating over a key-controlled account with a balance also fails.
	err = l.Update(ctx, "squat", func(tx Tx) error {
		_, err := tx.CreateAccount(ctx, payer, testProgram, payer, 8)
		return err
	})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists for funded key, got %v", err)
	}
}

func TestLedger_WriteData(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 1000)

	addr, _ := custodyAccount(t, l, payer, 13, 10)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	err := l.Update(ctx, "write", func(tx Tx) error {
		return tx.WriteData(ctx, addr, testProgram, data)
	})
	if err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	acct, err := l.Account(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if string(acct.Data) != string(data) {
		t.Errorf("data mismatch: %v", acct.Data)
	}

	err = l.Update(ctx, "foreign", func(tx Tx) error {
		return tx.WriteData(ctx, addr, newKey(t), data)
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	err = l.Update(ctx, "resize", func(tx Tx) error {
		return tx.WriteData(ctx, addr, testProgram, data[:4])
	})
	if !errors.Is(err, ErrDataSize) {
		t.Errorf("expected ErrDataSize, got %v", err)
	}

	err = l.Update(ctx, "key account", func(tx Tx) error {
		return tx.WriteData(ctx, payer, keys.SystemProgram, nil)
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for system account, got %v", err)
	}
}

func TestLedger_DepositToProgramAccountRejected(t *testing.T) {
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 100)
	addr, _ := custodyAccount(t, l, payer, 14, 10)

	if err := l.Deposit(context.Background(), addr, 5, "x"); !errors.Is(err, ErrInvalidAuthorization) {
		t.Errorf("expected ErrInvalidAuthorization, got %v", err)
	}
}

func TestLedger_OffCurveAccountNotCreatedOnCredit(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 100)
	addr, _, err := custody.Locate(testProgram, 15)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Deposit(ctx, addr, 1, "x"); !errors.Is(err, ErrOffCurveAccount) {
		t.Errorf("deposit: expected ErrOffCurveAccount, got %v", err)
	}
	err = l.Update(ctx, "x", func(tx Tx) error {
		return tx.Transfer(ctx, payer, addr, 10, SignedBy(payer))
	})
	if !errors.Is(err, ErrOffCurveAccount) {
		t.Errorf("transfer: expected ErrOffCurveAccount, got %v", err)
	}
	if got := balance(t, l, payer); got != 100 {
		t.Errorf("payer: expected 100 after rollback, got %d", got)
	}
	if _, err := l.Account(ctx, addr); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("off-curve account should not exist, got %v", err)
	}

	// The address stays free for its program.
	custodyAccount(t, l, payer, 15, 10)
	if got := balance(t, l, addr); got != 10 {
		t.Errorf("custody: expected 10, got %d", got)
	}
}

func TestLedger_History(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 1000)

	for i := 0; i < 3; i++ {
		err := l.Update(ctx, "pay", func(tx Tx) error {
			return tx.Transfer(ctx, alice, bob, 10, SignedBy(alice))
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.History(ctx, alice, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries (1 deposit, 3 transfers), got %d", len(entries))
	}
	if entries[0].Kind != EntryTransfer || entries[3].Kind != EntryDeposit {
		t.Errorf("expected newest first, got %s ... %s", entries[0].Kind, entries[3].Kind)
	}
	if entries[0].Reference != "pay" {
		t.Errorf("expected reference pay, got %q", entries[0].Reference)
	}

	limited, _ := l.History(ctx, bob, 2)
	if len(limited) != 2 {
		t.Errorf("expected limit 2, got %d", len(limited))
	}
}

func TestLedger_AccountsByOwner(t *testing.T) {
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 1000)
	custodyAccount(t, l, payer, 20, 1)
	custodyAccount(t, l, payer, 21, 1)

	accts, err := l.AccountsByOwner(context.Background(), testProgram, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 2 {
		t.Errorf("expected 2 program accounts, got %d", len(accts))
	}
}

func TestLedger_ConcurrentTransfers(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	alice, bob := newKey(t), newKey(t)
	fund(t, l, alice, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Update(ctx, "race", func(tx Tx) error {
				return tx.Transfer(ctx, alice, bob, 3, SignedBy(alice))
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 33 {
		t.Errorf("expected 33 successful transfers of 3 from 100, got %d", succeeded)
	}
	if a, b := balance(t, l, alice), balance(t, l, bob); a+b != 100 || b != 99 {
		t.Errorf("conservation violated: alice=%d bob=%d", a, b)
	}
}

func TestLedger_StoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	payer := newKey(t)
	fund(t, l, payer, 100)
	addr, _ := custodyAccount(t, l, payer, 30, 1)

	acct, _ := l.Account(ctx, addr)
	acct.Data[0] = 0xFF
	acct.Lamports = 999

	again, _ := l.Account(ctx, addr)
	if again.Data[0] != 0 || again.Lamports != 1 {
		t.Error("mutating a returned account must not affect the store")
	}
}
