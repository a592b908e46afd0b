// Package offerbook holds per-user resting offers and answers
// cross-user matching queries over them.
//
// All state is kept in memory. An actual deployment should use
// something like SQL with atomic database transactions.
package offerbook

import (
	"errors"
	"math/big"
	"sync"

	"github.com/bitonic-cjp/bl4p-server/internal/models"
)

var (
	ErrInvalidOffer  = errors.New("invalid offer")
	ErrOfferNotFound = errors.New("offer not found")
)

// userData holds one user's offers. Offer ids are sequential per user,
// not globally unique.
type userData struct {
	nextOfferID uint64
	offers      map[uint64]models.Offer
}

// Book is the offer book. A single mutex serializes all operations.
type Book struct {
	mu    sync.Mutex
	users map[int64]*userData
}

func New() *Book {
	return &Book{users: make(map[int64]*userData)}
}

// getUserData must be called with the lock held.
func (b *Book) getUserData(userID int64) *userData {
	ud, ok := b.users[userID]
	if !ok {
		ud = &userData{offers: make(map[uint64]models.Offer)}
		b.users[userID] = ud
	}
	return ud
}

// AddOffer stores a value copy of offer for userID and returns its id.
func (b *Book) AddOffer(userID int64, offer models.Offer) (uint64, error) {
	// Sensibility check: for all conditions, max >= min
	for _, r := range offer.Conditions {
		if r.Max < r.Min {
			return 0, ErrInvalidOffer
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ud := b.getUserData(userID)
	id := ud.nextOfferID
	ud.offers[id] = offer.Clone()
	ud.nextOfferID++
	return id, nil
}

// ListOffers returns copies of all of userID's offers, keyed by offer id.
func (b *Book) ListOffers(userID int64) map[uint64]models.Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	ud := b.getUserData(userID)
	ret := make(map[uint64]models.Offer, len(ud.offers))
	for id, offer := range ud.offers {
		ret[id] = offer.Clone()
	}
	return ret
}

// RemoveOffer deletes one of userID's offers. There is no update
// operation; replace via remove+add.
func (b *Book) RemoveOffer(userID int64, offerID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ud := b.getUserData(userID)
	if _, ok := ud.offers[offerID]; !ok {
		return ErrOfferNotFound
	}
	delete(ud.offers, offerID)
	return nil
}

// FindOffers returns copies of all offers, across all users, that match
// the query.
func (b *Book) FindOffers(query models.Offer) []models.Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ret []models.Offer
	for _, ud := range b.users {
		for _, offer := range ud.offers {
			if Matches(query, offer) {
				ret = append(ret, offer.Clone())
			}
		}
	}
	return ret
}

// Matches reports whether two offers are compatible counterparties. The
// predicate is symmetric: Matches(a, b) == Matches(b, a).
func Matches(a, b models.Offer) bool {
	// The sides must cross: what one bids is what the other asks,
	// currency and exchange both.
	if a.Bid.Currency != b.Ask.Currency || a.Bid.Exchange != b.Ask.Exchange {
		return false
	}
	if a.Ask.Currency != b.Bid.Currency || a.Ask.Exchange != b.Bid.Exchange {
		return false
	}

	// Conditions present in both offers must have overlapping ranges;
	// a condition present in only one imposes no constraint.
	for key, ra := range a.Conditions {
		rb, ok := b.Conditions[key]
		if !ok {
			continue
		}
		if ra.Min > rb.Max || rb.Min > ra.Max {
			return false
		}
	}

	// Rate compatibility, cross-multiplied to avoid fractional
	// rounding. The four-way products can exceed 64 bits for realistic
	// amount/divisor magnitudes, hence big.Int.
	lhs := product(a.Bid.MaxAmount, b.Bid.MaxAmount, a.Ask.MaxAmountDivisor, b.Ask.MaxAmountDivisor)
	rhs := product(a.Ask.MaxAmount, b.Ask.MaxAmount, a.Bid.MaxAmountDivisor, b.Bid.MaxAmountDivisor)
	return lhs.Cmp(rhs) >= 0
}

func product(factors ...int64) *big.Int {
	p := big.NewInt(1)
	for _, f := range factors {
		p.Mul(p, big.NewInt(f))
	}
	return p
}
