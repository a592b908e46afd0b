// Package ledger implements the BL4P transaction state machine and its
// time-out sweep: users, balances and hash-locked transactions, with the
// state transitions triggered by start/self-report/ack/claim/cancel and
// the two time-out paths.
//
// All state is kept in memory. An actual deployment should back this
// with something like SQL with atomic database transactions; every
// public method here corresponds to one such transaction.
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/echa/log"
	"github.com/shopspring/decimal"

	"github.com/bitonic-cjp/bl4p-server/internal/models"
	"github.com/bitonic-cjp/bl4p-server/internal/selfreport"
)

// Archiver persists transactions that reached a terminal state. The
// ledger treats archiving as best-effort: a failure is logged and never
// rolls back the in-memory transition.
type Archiver interface {
	ArchiveTransaction(ctx context.Context, hash models.Hash, tx *models.Transaction) error
}

// Config holds the fee and time-out policy.
type Config struct {
	FeeBase int64
	FeeRate decimal.Decimal

	// MaxLockedTimeout bounds how long a transaction may stay locked.
	MaxLockedTimeout time.Duration

	// MinTimeBetweenTimeouts guarantees the sender window closes
	// strictly before the receiver window, so a sender time-out can be
	// handled before the receiver window also expires.
	MinTimeBetweenTimeouts time.Duration
}

// DefaultConfig returns the production policy: 1 + 0.25% fee, one year
// maximum lock, one second between time-outs.
func DefaultConfig() Config {
	return Config{
		FeeBase:                1,
		FeeRate:                decimal.RequireFromString("0.0025"),
		MaxLockedTimeout:       366 * 24 * time.Hour,
		MinTimeBetweenTimeouts: time.Second,
	}
}

// Ledger is the settlement engine. A single mutex serializes every
// operation, so no two calls interleave their reads and writes of the
// shared user/transaction state.
type Ledger struct {
	mu           sync.Mutex
	users        map[int64]*models.User
	transactions map[models.Hash]*models.Transaction

	cfg     Config
	archive Archiver
	now     func() time.Time
}

func New(cfg Config) *Ledger {
	return &Ledger{
		users:        make(map[int64]*models.User),
		transactions: make(map[models.Hash]*models.Transaction),
		cfg:          cfg,
		now:          time.Now,
	}
}

// SetArchiver installs the terminal-transaction archive.
func (l *Ledger) SetArchiver(a Archiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archive = a
}

// AddUser registers an account. Accounts are provisioned at startup;
// there is no runtime registration path.
func (l *Ledger) AddUser(u *models.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u.ID] = u
}

// Balance returns a user's current balance.
func (l *Ledger) Balance(userID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	user, err := l.getUser(userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// getUser must be called with the lock held.
func (l *Ledger) getUser(userID int64) (*models.User, error) {
	user, ok := l.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// getTransaction must be called with the lock held. With acceptable
// states given, a transaction in any other state is reported the same
// way as a missing one.
func (l *Ledger) getTransaction(hash models.Hash, acceptable ...models.TransactionStatus) (*models.Transaction, error) {
	tx, ok := l.transactions[hash]
	if !ok {
		log.Warn("getTransaction: payment hash not found")
		return nil, ErrTransactionNotFound
	}
	if len(acceptable) > 0 {
		found := false
		for _, s := range acceptable {
			if tx.Status == s {
				found = true
				break
			}
		}
		if !found {
			log.Warnf("getTransaction: payment is not in an acceptable state: state %s; acceptable %v",
				tx.Status, acceptable)
			return nil, ErrTransactionNotFound
		}
	}
	return tx, nil
}

// StartTransaction creates a new hash-locked transaction for a receiver.
// It returns the amount the sender must commit, the amount the receiver
// will be credited, and the payment hash. No funds move at this step:
// committing funds happens only at sender acknowledgement, so a receiver
// who never finds a sender costs nothing.
func (l *Ledger) StartTransaction(receiverID, amount int64, senderTimeout, lockedTimeout time.Duration, receiverPaysFee bool) (senderAmount, receiverAmount int64, paymentHash models.Hash, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	receiver, err := l.getUser(receiverID)
	if err != nil {
		return 0, 0, models.Hash{}, err
	}

	fee := l.cfg.FeeBase + l.cfg.FeeRate.Mul(decimal.New(amount, 0)).Floor().IntPart()

	var amountIncoming, amountOutgoing int64
	if receiverPaysFee {
		amountIncoming = amount
		amountOutgoing = amount - fee
	} else {
		amountIncoming = amount + fee
		amountOutgoing = amount
	}

	if amountOutgoing <= 0 {
		log.Warnf("startTransaction: insufficient amount (incoming: %d; outgoing: %d)",
			amountIncoming, amountOutgoing)
		return 0, 0, models.Hash{}, ErrInsufficientAmount
	}

	if lockedTimeout <= 0 {
		log.Warnf("startTransaction: invalid locked timeout (%v <= 0)", lockedTimeout)
		return 0, 0, models.Hash{}, ErrInvalidTimeout
	}
	if lockedTimeout > l.cfg.MaxLockedTimeout {
		log.Warnf("startTransaction: invalid locked timeout (%v > %v)",
			lockedTimeout, l.cfg.MaxLockedTimeout)
		return 0, 0, models.Hash{}, ErrInvalidTimeout
	}
	if senderTimeout <= 0 {
		log.Warnf("startTransaction: invalid sender timeout (%v <= 0)", senderTimeout)
		return 0, 0, models.Hash{}, ErrInvalidTimeout
	}
	if senderTimeout > lockedTimeout-l.cfg.MinTimeBetweenTimeouts {
		log.Warnf("startTransaction: invalid sender timeout (%v > %v)",
			senderTimeout, lockedTimeout-l.cfg.MinTimeBetweenTimeouts)
		return 0, 0, models.Hash{}, ErrInvalidTimeout
	}

	var preimage models.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		// crypto/rand failing means the host is broken; the preimage is
		// the sole authorization token, so never fall back to anything
		// weaker.
		return 0, 0, models.Hash{}, err
	}
	paymentHash = sha256.Sum256(preimage[:])

	currentTime := l.now()

	log.Infof("startTransaction: amountIncoming: %d; amountOutgoing: %d",
		amountIncoming, amountOutgoing)
	log.Infof("  Current balance of receiving user %d: %d", receiverID, receiver.Balance)

	l.transactions[paymentHash] = &models.Transaction{
		ReceiverID:       receiverID,
		AmountIncoming:   amountIncoming,
		AmountOutgoing:   amountOutgoing,
		Preimage:         preimage,
		SenderDeadline:   currentTime.Add(senderTimeout),
		ReceiverDeadline: currentTime.Add(lockedTimeout),
		Status:           models.StatusWaitingForSelfReport,
	}
	return amountIncoming, amountOutgoing, paymentHash, nil
}

// ProcessSelfReport processes the receiver's signed statement of the
// off-ledger trade details. The transaction is identified by the payment
// hash named inside the report.
func (l *Ledger) ProcessSelfReport(receiverID int64, report, signature []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	user, err := l.getUser(receiverID)
	if err != nil {
		return err
	}
	if err := selfreport.Verify(user.PubKey, report, signature); err != nil {
		return ErrSignatureFailure
	}

	contents, err := selfreport.Parse(report)
	if err != nil {
		return ErrMissingData
	}

	tx, err := l.getTransaction(contents.PaymentHash, models.StatusWaitingForSelfReport)
	if err != nil {
		return err
	}
	if tx.ReceiverID != receiverID {
		// The transaction exists globally, but not in this user's
		// transactions.
		return ErrTransactionNotFound
	}

	log.Infof("selfReport: offerID %d, %s %s",
		contents.OfferID, contents.ReceiverCryptoAmount, contents.CryptoCurrency)

	// TODO: store report and signature data

	tx.Status = models.StatusWaitingForSender
	return nil
}

// CancelTransaction cancels a transaction on behalf of its receiver. If
// the sender already committed funds, they are refunded.
func (l *Ledger) CancelTransaction(receiverID int64, paymentHash models.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.getTransaction(paymentHash,
		models.StatusWaitingForSelfReport,
		models.StatusWaitingForSender,
		models.StatusWaitingForReceiver,
	)
	if err != nil {
		return err
	}
	if tx.ReceiverID != receiverID {
		// The transaction exists globally, but not in this user's
		// transactions.
		return ErrTransactionNotFound
	}

	if tx.Status == models.StatusWaitingForReceiver {
		// Funds are already sent - give back to sender
		sender, err := l.getUser(tx.SenderID)
		if err != nil {
			return err
		}
		sender.Balance += tx.AmountIncoming
	}

	log.Info("cancelTransaction")

	tx.Status = models.StatusCanceled
	l.archiveTerminal(paymentHash, tx)
	return nil
}

// ProcessSenderAck processes the sender's acknowledgement: a signed
// report plus the commitment of funds against the payment hash. It
// returns the preimage, disclosed only to the verified sender and only
// after funds are provably committed.
//
// The call is an idempotent retry when the transaction is already
// locked: a sender may debit funds but fail to receive the reply, and
// retrying must not double-charge. On a retry the preimage is returned
// only to the recorded sender, because if the locked transaction later
// times out, the transaction must stay claimable while the sender
// negotiates another payment for the funds; that only works if the
// preimage stays a secret between the ledger and the sender.
func (l *Ledger) ProcessSenderAck(senderID, amount int64, paymentHash models.Hash, maxLockedTimeout time.Duration, report, signature []byte) (models.Preimage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sender, err := l.getUser(senderID)
	if err != nil {
		return models.Preimage{}, err
	}
	if err := selfreport.Verify(sender.PubKey, report, signature); err != nil {
		return models.Preimage{}, ErrSignatureFailure
	}

	contents, err := selfreport.Parse(report)
	if err != nil {
		return models.Preimage{}, ErrMissingData
	}
	if contents.PaymentHash != paymentHash {
		return models.Preimage{}, ErrTransactionNotFound
	}

	// TODO: compare against receiver reported data

	tx, err := l.getTransaction(paymentHash,
		models.StatusWaitingForSender,
		models.StatusWaitingForReceiver,
	)
	if err != nil {
		return models.Preimage{}, err
	}
	if tx.AmountIncoming != amount {
		log.Warnf("processSenderAck: amount mismatch (is: %d; should be: %d)",
			amount, tx.AmountIncoming)
		return models.Preimage{}, ErrTransactionNotFound
	}

	// The sender declared a risk ceiling on how long funds may stay
	// locked; refuse if the remaining lock time exceeds it.
	lockedTimeout := tx.ReceiverDeadline.Sub(l.now())
	if lockedTimeout > maxLockedTimeout {
		log.Warnf("processSenderAck: locked timeout mismatch (actual: %v > max: %v)",
			lockedTimeout, maxLockedTimeout)
		return models.Preimage{}, ErrTransactionNotFound
	}

	// In case of waiting_for_receiver, only send back data:
	// this is the 2nd, 3rd etc. call.
	if tx.Status == models.StatusWaitingForReceiver {
		if tx.SenderID != senderID {
			log.Warn("processSenderAck: userID mismatch on later call")
			return models.Preimage{}, ErrTransactionNotFound
		}
		return tx.Preimage, nil
	}

	// Otherwise (waiting_for_sender), take funds from the sender:
	// this is the 1st call.
	if sender.Balance < amount {
		log.Warn("processSenderAck: insufficient funds")
		return models.Preimage{}, ErrInsufficientFunds
	}

	log.Infof("senderAck")
	log.Infof("  Old balance of sending user %d: %d", senderID, sender.Balance)

	sender.Balance -= amount
	tx.SenderID = senderID
	tx.Status = models.StatusWaitingForReceiver

	log.Infof("  New balance of sending user %d: %d", senderID, sender.Balance)

	return tx.Preimage, nil
}

// ProcessReceiverClaim settles a locked transaction with its preimage.
//
// It does not matter who hands over the claim: we only ever disclose the
// preimage to the sender, after the sender's funds are committed, so the
// fact that *someone* presents it proves the sender's incoming funds are
// guaranteed and the transaction may leave limbo. Keeping the preimage
// secret in other cases is the sender's problem.
func (l *Ledger) ProcessReceiverClaim(preimage models.Preimage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	paymentHash := models.Hash(sha256.Sum256(preimage[:]))
	tx, err := l.getTransaction(paymentHash, models.StatusWaitingForReceiver)
	if err != nil {
		return err
	}
	receiver, err := l.getUser(tx.ReceiverID)
	if err != nil {
		return err
	}

	log.Infof("receiverClaim")
	log.Infof("  Old balance of receiving user %d: %d", tx.ReceiverID, receiver.Balance)

	receiver.Balance += tx.AmountOutgoing
	tx.Status = models.StatusCompleted

	log.Infof("  New balance of receiving user %d: %d", tx.ReceiverID, receiver.Balance)

	l.archiveTerminal(paymentHash, tx)
	return nil
}

// TransactionStatus returns the status of a transaction to either its
// sender or its receiver. Anyone else gets ErrTransactionNotFound,
// including parties the transaction legitimately does not concern.
func (l *Ledger) TransactionStatus(userID int64, paymentHash models.Hash) (models.TransactionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.getUser(userID); err != nil {
		return 0, err
	}
	tx, err := l.getTransaction(paymentHash)
	if err != nil {
		return 0, err
	}
	if userID != tx.SenderID && userID != tx.ReceiverID {
		return 0, ErrTransactionNotFound
	}
	return tx.Status, nil
}

// ProcessTimeouts fires every due time-out transition and returns the
// delay until the next pending one, or ok=false if none is pending.
// Calling it early, late or redundantly is harmless: transitions are
// guarded by status, which becomes terminal after the first firing.
func (l *Ledger) ProcessTimeouts() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	var next time.Time

	// Linear scan; fine at moderate transaction counts. At scale this
	// should become a min-heap keyed by (deadline, hash) so a sweep
	// only pops due entries.
	for hash, tx := range l.transactions {
		var deadline time.Time
		switch tx.Status {
		case models.StatusWaitingForSender:
			deadline = tx.SenderDeadline
		case models.StatusWaitingForReceiver:
			deadline = tx.ReceiverDeadline
		default:
			continue
		}

		if !deadline.After(t) {
			// This time-out has happened
			switch tx.Status {
			case models.StatusWaitingForSender:
				l.processSenderTimeout(hash, tx)
			case models.StatusWaitingForReceiver:
				l.processReceiverTimeout(hash, tx)
			}
		} else if next.IsZero() || deadline.Before(next) {
			// This is the upcoming time-out
			next = deadline
		}
	}

	if next.IsZero() {
		return 0, false
	}
	return next.Sub(t), true
}

// processSenderTimeout must be called with the lock held. No funds were
// ever committed in waiting_for_sender, so there is nothing to refund.
func (l *Ledger) processSenderTimeout(hash models.Hash, tx *models.Transaction) {
	log.Info("Sender time-out happened")
	tx.Status = models.StatusSenderTimeout
	l.archiveTerminal(hash, tx)
}

// processReceiverTimeout must be called with the lock held. The sender
// committed funds and the receiver failed to claim in time, so the
// committed amount goes back to the sender.
func (l *Ledger) processReceiverTimeout(hash models.Hash, tx *models.Transaction) {
	log.Info("Receiver time-out happened")
	tx.Status = models.StatusReceiverTimeout
	sender, err := l.getUser(tx.SenderID)
	if err != nil {
		// Cannot happen: the sender was looked up when funds were
		// committed and users are never deleted.
		log.Errorf("receiver time-out: sender %d vanished: %v", tx.SenderID, err)
		return
	}
	sender.Balance += tx.AmountIncoming
	l.archiveTerminal(hash, tx)
}

// archiveTerminal must be called with the lock held.
func (l *Ledger) archiveTerminal(hash models.Hash, tx *models.Transaction) {
	if l.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.archive.ArchiveTransaction(ctx, hash, tx); err != nil {
		log.Warnf("failed to archive transaction %s: %v", hash, err)
	}
}
