package money

import (
	"fmt"
	"strings"
	"sync"
)

// Asset represents a currency or token with its properties.
type Asset struct {
	Code     string // RUB, SOL, USDT, XTR ...
	Decimals uint8  // 2 for RUB, 9 for SOL, 6 for USDT, 0 for XTR
	Type     AssetType
	Metadata AssetMetadata
}

// AssetType categorizes the asset by how it is paid.
type AssetType int

const (
	AssetTypeFiat   AssetType = iota // Settlement currency, card payments
	AssetTypeCrypto                  // On-chain or hosted crypto invoices
	AssetTypeInApp                   // Chat platform currency
)

// AssetMetadata contains gateway-specific identifiers.
type AssetMetadata struct {
	StripeCurrency string // lowercase ISO code accepted by Stripe
	SolanaMint     string // native SOL has no mint
}

var (
	assetRegistry = map[string]Asset{
		"RUB": {Code: "RUB", Decimals: 2, Type: AssetTypeFiat, Metadata: AssetMetadata{StripeCurrency: "rub"}},
		"USD": {Code: "USD", Decimals: 2, Type: AssetTypeFiat, Metadata: AssetMetadata{StripeCurrency: "usd"}},
		"EUR": {Code: "EUR", Decimals: 2, Type: AssetTypeFiat, Metadata: AssetMetadata{StripeCurrency: "eur"}},

		"SOL":  {Code: "SOL", Decimals: 9, Type: AssetTypeCrypto},
		"USDT": {Code: "USDT", Decimals: 6, Type: AssetTypeCrypto, Metadata: AssetMetadata{SolanaMint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"}},
		"TON":  {Code: "TON", Decimals: 9, Type: AssetTypeCrypto},

		"XTR": {Code: "XTR", Decimals: 0, Type: AssetTypeInApp},
	}
	assetRegistryMu sync.RWMutex
)

// GetAsset retrieves an asset from the registry. Lookup is case-insensitive.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[strings.ToUpper(code)]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found.
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds or replaces an asset in the registry.
func RegisterAsset(asset Asset) error {
	if asset.Code == "" {
		return fmt.Errorf("money: asset code required")
	}
	if asset.Decimals > 18 {
		return fmt.Errorf("money: decimals must be <= 18")
	}

	assetRegistryMu.Lock()
	assetRegistry[strings.ToUpper(asset.Code)] = asset
	assetRegistryMu.Unlock()
	return nil
}

// StripeCurrency returns the Stripe currency code or an error for non-fiat assets.
func (a Asset) StripeCurrency() (string, error) {
	if a.Type != AssetTypeFiat || a.Metadata.StripeCurrency == "" {
		return "", fmt.Errorf("money: %s is not a Stripe currency", a.Code)
	}
	return a.Metadata.StripeCurrency, nil
}
