package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known anvil/hardhat account #0.
const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestLoadWalletFromRawKey(t *testing.T) {
	w, err := LoadWallet(KeySource{RawPrivateKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), w.Address())
	assert.NotContains(t, w.String(), "ac0974")
}

func TestSealOpenRoundTrip(t *testing.T) {
	blob, err := Seal(testKey, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(blob), testAddress)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	w, err := LoadWallet(KeySource{KeystorePath: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), w.Address())

	_, err = LoadWallet(KeySource{KeystorePath: path, Password: "wrong"})
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestLoadWalletErrors(t *testing.T) {
	_, err := LoadWallet(KeySource{})
	assert.Error(t, err)

	_, err = LoadWallet(KeySource{RawPrivateKey: "zz"})
	assert.Error(t, err)

	_, err = LoadWallet(KeySource{RawPrivateKey: "0x1234"})
	assert.ErrorContains(t, err, "32-byte")

	_, err = Seal(testKey, "")
	assert.Error(t, err)
}

func TestWalletSignTx(t *testing.T) {
	w, err := LoadWallet(KeySource{RawPrivateKey: testKey})
	require.NoError(t, err)

	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)})

	signed, err := w.SignTx(tx, chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from)
}
