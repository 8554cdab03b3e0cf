package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// jsonRPCRequest is the expected JSON-RPC request body.
type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// jsonRPCResponse is a generic JSON-RPC response.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const testHolder = "0x1234567890abcdef1234567890abcdef12345678"

// fakeNode answers eth_call for decimals()/balanceOf() and eth_getBalance.
type fakeNode struct {
	decimals      int64
	tokenBalance  *big.Int
	nativeBalance *big.Int
	decimalsCalls atomic.Int32
	fail          bool
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n.fail {
		http.Error(w, "upstream down", http.StatusBadGateway)
		return
	}

	var req jsonRPCRequest
	json.NewDecoder(r.Body).Decode(&req)

	result := `"0x0"`
	switch req.Method {
	case "eth_call":
		var arg struct {
			Data  string `json:"data"`
			Input string `json:"input"`
		}
		json.Unmarshal(req.Params[0], &arg)
		data := arg.Input
		if data == "" {
			data = arg.Data
		}
		switch {
		case strings.HasPrefix(data, "0x"+config.ERC20DecimalsMethodID):
			n.decimalsCalls.Add(1)
			result = fmt.Sprintf(`"0x%064x"`, n.decimals)
		case strings.HasPrefix(data, "0x"+config.ERC20BalanceOfMethodID):
			result = fmt.Sprintf(`"0x%064x"`, n.tokenBalance)
		}
	case "eth_getBalance":
		result = fmt.Sprintf(`"0x%x"`, n.nativeBalance)
	}

	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  json.RawMessage(result),
	})
}

func newTestInspector(t *testing.T, node *fakeNode, prices PriceSource) *Inspector {
	t.Helper()

	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	client, err := ethclient.Dial(server.URL)
	if err != nil {
		t.Fatalf("failed to dial mock server: %v", err)
	}
	t.Cleanup(client.Close)

	registry, err := chain.NewRegistry(chain.Defaults())
	if err != nil {
		t.Fatal(err)
	}

	guard := NewGuard("polygon", GuardOptions{RateLimit: 1000, Retries: 0})
	return NewInspector(registry,
		map[models.Chain]ChainClient{models.ChainPolygon: client},
		map[models.Chain]*Guard{models.ChainPolygon: guard},
		prices,
	)
}

type fixedPrices map[string]float64

func (p fixedPrices) USDPrice(_ context.Context, symbol string) (float64, error) {
	v, ok := p[symbol]
	if !ok {
		return 0, config.ErrPriceFetchFailed
	}
	return v, nil
}

func TestInspector_TokenBalance(t *testing.T) {
	node := &fakeNode{decimals: 6, tokenBalance: big.NewInt(25_000_000)}
	in := newTestInspector(t, node, nil)

	bal, err := in.TokenBalance(context.Background(), testHolder, models.TokenUSDT, models.ChainPolygon)
	if err != nil {
		t.Fatalf("TokenBalance() error = %v", err)
	}
	if bal.Raw.Int64() != 25_000_000 || bal.Decimals != 6 {
		t.Errorf("raw/decimals = %s/%d", bal.Raw, bal.Decimals)
	}
	if models.FormatAmount(bal.Amount) != "25.0" {
		t.Errorf("amount = %s, want 25.0", models.FormatAmount(bal.Amount))
	}

	// decimals() is cached per contract.
	if _, err := in.TokenBalance(context.Background(), testHolder, models.TokenUSDT, models.ChainPolygon); err != nil {
		t.Fatal(err)
	}
	if n := node.decimalsCalls.Load(); n != 1 {
		t.Errorf("decimals() called %d times, want 1", n)
	}
}

func TestInspector_NativeBalance(t *testing.T) {
	oneAndHalf, _ := new(big.Int).SetString("1500000000000000000", 10)
	in := newTestInspector(t, &fakeNode{nativeBalance: oneAndHalf}, nil)

	bal, err := in.NativeBalance(context.Background(), testHolder, models.ChainPolygon)
	if err != nil {
		t.Fatalf("NativeBalance() error = %v", err)
	}
	if bal.Amount.String() != "1.5" || bal.Symbol != "POL" {
		t.Errorf("native = %s %s, want 1.5 POL", bal.Amount, bal.Symbol)
	}
}

func TestInspector_ConfigErrorsAlwaysReturned(t *testing.T) {
	in := newTestInspector(t, &fakeNode{decimals: 6, tokenBalance: big.NewInt(1)}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		address string
		token   models.Token
		chain   models.Chain
		want    error
	}{
		{"unknown chain", testHolder, models.TokenUSDT, "tron", config.ErrUnknownChain},
		{"unknown token", testHolder, "DAI", models.ChainPolygon, config.ErrUnknownToken},
		{"bad address", "0xnothex", models.TokenUSDT, models.ChainPolygon, config.ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := in.TokenBalance(ctx, tt.address, tt.token, tt.chain); !errors.Is(err, tt.want) {
				t.Errorf("TokenBalance() error = %v, want %v", err, tt.want)
			}
			if _, err := in.CheckTokenBalance(ctx, tt.address, tt.token, tt.chain); !errors.Is(err, tt.want) {
				t.Errorf("CheckTokenBalance() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := in.CheckNativeBalance(ctx, "nope", models.ChainPolygon); !errors.Is(err, config.ErrInvalidAddress) {
		t.Errorf("CheckNativeBalance() error = %v, want ErrInvalidAddress", err)
	}
}

func TestInspector_CheckTokenBalance_RPCFailureIsUnconfirmedZero(t *testing.T) {
	in := newTestInspector(t, &fakeNode{fail: true}, nil)

	got, err := in.CheckTokenBalance(context.Background(), testHolder, models.TokenUSDC, models.ChainPolygon)
	if err != nil {
		t.Fatalf("CheckTokenBalance() error = %v, want nil", err)
	}
	if got.Confirmed || got.Balance != "0" || got.Error == "" {
		t.Errorf("CheckTokenBalance() = %+v, want unconfirmed zero with error", got)
	}

	// The explicit variant surfaces the same failure.
	if _, err := in.TokenBalance(context.Background(), testHolder, models.TokenUSDC, models.ChainPolygon); err == nil {
		t.Error("TokenBalance() error = nil for failing node")
	}
}

func TestInspector_CheckTokenBalance_USDValue(t *testing.T) {
	node := &fakeNode{decimals: 6, tokenBalance: big.NewInt(12_500_000)}
	in := newTestInspector(t, node, fixedPrices{"USDT": 1.0})

	got, err := in.CheckTokenBalance(context.Background(), testHolder, models.TokenUSDT, models.ChainPolygon)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Confirmed || got.Balance != "12.5" || got.BalanceUSD != 12.5 {
		t.Errorf("CheckTokenBalance() = %+v", got)
	}
}

func TestInspector_MissingClient(t *testing.T) {
	in := newTestInspector(t, &fakeNode{}, nil)

	_, err := in.TokenBalance(context.Background(), testHolder, models.TokenUSDT, models.ChainBSC)
	if !errors.Is(err, config.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ErrProviderUnavailable", err)
	}
}
