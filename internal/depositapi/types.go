package depositapi

import (
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/deposit"
)

type depositRequest struct {
	Asset              string `json:"asset"`
	Amount             string `json:"amount"`
	ExpectedSats       string `json:"expectedSats"`
	BTCPayoutAddress   string `json:"btcPayoutAddress"`
	PayoutAddress      string `json:"payoutAddress,omitempty"`
	ConfirmationBlocks uint8  `json:"confirmationBlocks,omitempty"`
}

type swapDepositRequest struct {
	depositRequest

	SellToken       string `json:"sellToken"`
	SellAmount      string `json:"sellAmount"`
	SwapRouter      string `json:"swapRouter"`
	SwapCalldata    string `json:"swapCalldata"`
	DeadlineSeconds int64  `json:"deadlineSeconds,omitempty"`
}

type startedResponse struct {
	Version   string `json:"version"`
	AttemptID string `json:"attemptId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

type failureResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type stateResponse struct {
	Version   string           `json:"version"`
	AttemptID string           `json:"attemptId,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Status    string           `json:"status"`
	Busy      bool             `json:"busy"`
	TxHash    string           `json:"txHash,omitempty"`
	Failure   *failureResponse `json:"failure,omitempty"`
}

type assetResponse struct {
	Symbol     string        `json:"symbol"`
	Name       string        `json:"name"`
	Decimals   uint8         `json:"decimals"`
	ChainID    string        `json:"chainId"`
	Token      string        `json:"token"`
	Exchange   string        `json:"exchange"`
	Bundler    string        `json:"bundler,omitempty"`
	MinDeposit string        `json:"minDeposit,omitempty"`
	Display    asset.Display `json:"display"`
}

type accountResponse struct {
	Version      string `json:"version"`
	Owner        string `json:"owner"`
	Token        string `json:"token"`
	Balance      string `json:"balance"`
	Swaps        int    `json:"swaps"`
	PendingSwaps int    `json:"pendingSwaps"`
	RefreshedAt  string `json:"refreshedAt"`
}

type attemptResponse struct {
	AttemptID string           `json:"attemptId"`
	Kind      string           `json:"kind"`
	Target    string           `json:"target"`
	Token     string           `json:"token"`
	Amount    string           `json:"amount"`
	Status    string           `json:"status"`
	TxHash    string           `json:"txHash,omitempty"`
	Failure   *failureResponse `json:"failure,omitempty"`
	CreatedAt string           `json:"createdAt"`
	UpdatedAt string           `json:"updatedAt"`
}

func toFailure(f *deposit.Failure) *failureResponse {
	if f == nil {
		return nil
	}
	return &failureResponse{Kind: f.Kind.String(), Message: f.Message, Reason: f.Reason, Retryable: f.Retryable()}
}
