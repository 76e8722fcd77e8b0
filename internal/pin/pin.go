// Package pin issues pickup credentials: 6-digit PINs and the QR
// payloads the merchant-side scanner consumes.
package pin

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/panierlocal/surplus-reservations/internal/domain"
)

const pinSpace = 1000000

type Issuer struct{}

func NewIssuer() *Issuer {
	return &Issuer{}
}

// IssueSingle draws a zero-padded 6-digit PIN. The PIN is a capability
// token only; uniqueness among a merchant's active reservations is
// enforced at insert time by the store.
func (i *Issuer) IssueSingle() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pinSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IssueForCart issues one shared PIN and cart group id for a multi-lot
// checkout against a single merchant.
func (i *Issuer) IssueForCart() (string, uuid.UUID, error) {
	pin, err := i.IssueSingle()
	if err != nil {
		return "", uuid.Nil, err
	}
	return pin, uuid.New(), nil
}

type QRPayload struct {
	Type           string      `json:"type"`
	PIN            string      `json:"pin"`
	UserID         uuid.UUID   `json:"user_id"`
	LotID          *uuid.UUID  `json:"lot_id,omitempty"`
	ReservationIDs []uuid.UUID `json:"reservation_ids,omitempty"`
	CartGroupID    *uuid.UUID  `json:"cart_group_id,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

func BuildQRPayload(r domain.Reservation) ([]byte, error) {
	lotID := r.LotID
	return json.Marshal(QRPayload{
		Type:      "single",
		PIN:       r.PickupPIN,
		UserID:    r.UserID,
		LotID:     &lotID,
		Timestamp: time.Now().Unix(),
	})
}

func BuildCartQRPayload(g domain.CartGroup, userID uuid.UUID) ([]byte, error) {
	ids := make([]uuid.UUID, len(g.Reservations))
	for i, r := range g.Reservations {
		ids[i] = r.ID
	}
	groupID := g.ID
	return json.Marshal(QRPayload{
		Type:           "group",
		PIN:            g.PickupPIN,
		UserID:         userID,
		ReservationIDs: ids,
		CartGroupID:    &groupID,
		Timestamp:      time.Now().Unix(),
	})
}
