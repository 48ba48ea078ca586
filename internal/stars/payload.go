package stars

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const payloadPrefix = "topup"

// ErrInvalidPayload is returned for invoice payloads not issued by this service.
var ErrInvalidPayload = errors.New("stars: invalid invoice payload")

// BuildPayload encodes the payer and payment into the invoice payload.
func BuildPayload(userID int64, paymentID string) string {
	return fmt.Sprintf("%s_%d_%s", payloadPrefix, userID, paymentID)
}

// ParsePayload is the inverse of BuildPayload.
func ParsePayload(payload string) (userID int64, paymentID string, err error) {
	parts := strings.SplitN(payload, "_", 3)
	if len(parts) != 3 || parts[0] != payloadPrefix || parts[2] == "" {
		return 0, "", ErrInvalidPayload
	}
	userID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", ErrInvalidPayload
	}
	return userID, parts[2], nil
}

// Amount converts a settlement amount in minor units into stars, rounding up
// so the payer never covers less than the requested amount. rate is the
// settlement major-unit price of one star (1.35 RUB by default).
func Amount(minor int64, rate float64) int64 {
	perStar := int64(math.Round(rate * 100))
	if perStar <= 0 || minor <= 0 {
		return 0
	}
	return (minor + perStar - 1) / perStar
}
