package chain

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

var _ rpcClient = (*mockRPCClient)(nil)

// mockRPCClient is a mock implementation of the rpcClient interface.
type mockRPCClient struct {
	mock.Mock
}

func (m *mockRPCClient) GetBlockCount() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRPCClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	args := m.Called(height)
	hash, _ := args.Get(0).(*chainhash.Hash)

	return hash, args.Error(1)
}

func (m *mockRPCClient) GetBestBlockHash() (*chainhash.Hash, error) {
	args := m.Called()
	hash, _ := args.Get(0).(*chainhash.Hash)

	return hash, args.Error(1)
}

func (m *mockRPCClient) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock,
	error) {

	args := m.Called(hash)
	block, _ := args.Get(0).(*wire.MsgBlock)

	return block, args.Error(1)
}

func (m *mockRPCClient) GetBlockHeaderVerbose(
	hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {

	args := m.Called(hash)
	result, _ := args.Get(0).(*btcjson.GetBlockHeaderVerboseResult)

	return result, args.Error(1)
}

func (m *mockRPCClient) GetRawTransactionVerbose(
	hash *chainhash.Hash) (*btcjson.TxRawResult, error) {

	args := m.Called(hash)
	result, _ := args.Get(0).(*btcjson.TxRawResult)

	return result, args.Error(1)
}

func (m *mockRPCClient) GetTxOut(hash *chainhash.Hash, index uint32,
	mempool bool) (*btcjson.GetTxOutResult, error) {

	args := m.Called(hash, index, mempool)
	result, _ := args.Get(0).(*btcjson.GetTxOutResult)

	return result, args.Error(1)
}

func (m *mockRPCClient) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	args := m.Called(tx, allowHighFees)
	hash, _ := args.Get(0).(*chainhash.Hash)

	return hash, args.Error(1)
}

func (m *mockRPCClient) Shutdown() {
	m.Called()
}
