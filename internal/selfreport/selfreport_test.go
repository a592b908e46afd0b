package selfreport

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitonic-cjp/bl4p-server/internal/models"
)

func TestBuildParseRoundTrip(t *testing.T) {
	hash := models.Hash{1, 2, 3, 0xff}
	raw, err := Build(hash, 42, "0.00500000", "btc")
	require.NoError(t, err)

	report, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, hash, report.PaymentHash)
	assert.Equal(t, int64(42), report.OfferID)
	assert.True(t, report.ReceiverCryptoAmount.Equal(decimal.RequireFromString("0.005")))
	assert.Equal(t, "btc", report.CryptoCurrency)
}

func TestSerializeIsDeterministic(t *testing.T) {
	fields := map[string]string{
		"cryptoCurrency":       "btc",
		"offerID":              "42",
		"paymentHash":          models.Hash{}.String(),
		"receiverCryptoAmount": "0.005",
	}
	first, err := Serialize(fields)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Serialize(fields)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestParseErrors(t *testing.T) {
	complete := map[string]string{
		"paymentHash":          models.Hash{}.String(),
		"offerID":              "42",
		"receiverCryptoAmount": "0.005",
		"cryptoCurrency":       "btc",
	}

	t.Run("NotJSON", func(t *testing.T) {
		_, err := Parse([]byte("not json"))
		assert.Error(t, err)
	})

	for _, missing := range []string{"paymentHash", "offerID", "receiverCryptoAmount", "cryptoCurrency"} {
		t.Run("Missing_"+missing, func(t *testing.T) {
			fields := make(map[string]string)
			for k, v := range complete {
				if k != missing {
					fields[k] = v
				}
			}
			raw, err := Serialize(fields)
			require.NoError(t, err)
			_, err = Parse(raw)
			assert.Error(t, err)
		})
	}

	for name, override := range map[string][2]string{
		"BadHash":    {"paymentHash", "zz"},
		"ShortHash":  {"paymentHash", "0102"},
		"BadOfferID": {"offerID", "many"},
		"BadAmount":  {"receiverCryptoAmount", "one satoshi"},
	} {
		t.Run(name, func(t *testing.T) {
			fields := make(map[string]string)
			for k, v := range complete {
				fields[k] = v
			}
			fields[override[0]] = override[1]
			raw, err := Serialize(fields)
			require.NoError(t, err)
			_, err = Parse(raw)
			assert.Error(t, err)
		})
	}

	t.Run("ExtraFieldsIgnored", func(t *testing.T) {
		fields := map[string]string{"note": "extra"}
		for k, v := range complete {
			fields[k] = v
		}
		raw, err := Serialize(fields)
		require.NoError(t, err)
		_, err = Parse(raw)
		assert.NoError(t, err)
	})
}

func TestSignVerify(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	report, err := Build(models.Hash{7}, 1, "1.5", "btc")
	require.NoError(t, err)

	sig := Sign(priv, report)
	assert.NoError(t, Verify(priv.PubKey(), report, sig))

	t.Run("WrongKey", func(t *testing.T) {
		other, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		assert.Error(t, Verify(other.PubKey(), report, sig))
	})

	t.Run("TamperedReport", func(t *testing.T) {
		tampered := append([]byte(nil), report...)
		tampered[0] ^= 1
		assert.Error(t, Verify(priv.PubKey(), tampered, sig))
	})

	t.Run("GarbageSignature", func(t *testing.T) {
		assert.Error(t, Verify(priv.PubKey(), report, []byte("garbage")))
	})

	t.Run("NoKey", func(t *testing.T) {
		assert.Error(t, Verify(nil, report, sig))
	})
}
