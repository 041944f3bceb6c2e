// Package gateway wraps the broker's POST-JSON REST surface with
// limiter-gated, retrying calls.
package gateway

import (
	"fmt"
	"time"

	"riskguard/internal/risk"
)

// apiEnvelope is the common response wrapper every endpoint returns.
type apiEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *apiEnvelope) env() *apiEnvelope { return e }

// APIError is a gateway-level rejection: HTTP 200 with success=false.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s: error %d: %s", e.Endpoint, e.Code, e.Message)
}

// Account is one tradable account as returned by Account/search.
type Account struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	Simulated bool    `json:"simulated"`
}

// Trade is one half of a round trip; ProfitAndLoss is null until the
// position it belongs to is closed.
type Trade struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	ContractID        string    `json:"contractId"`
	Price             float64   `json:"price"`
	ProfitAndLoss     *float64  `json:"profitAndLoss"`
	Fees              float64   `json:"fees"`
	Side              int       `json:"side"`
	Size              int       `json:"size"`
	Voided            bool      `json:"voided"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
}

// Contract identifies one tradable instrument.
type Contract struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	ActiveContract bool    `json:"activeContract"`
}

// Bar is one aggregated candle from History/retrieveBars.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int       `json:"v"`
}

// Position wire type: the gateway reports an unsigned size plus a
// direction tag (1 long, 2 short); the engine folds both into signed size.
type wirePosition struct {
	ID           string  `json:"id"`
	AccountID    string  `json:"accountId"`
	ContractID   string  `json:"contractId"`
	Type         int     `json:"type"`
	Size         int     `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}

const (
	wirePositionLong  = 1
	wirePositionShort = 2
)

func (p wirePosition) toDomain() risk.Position {
	size := p.Size
	if size < 0 {
		size = -size
	}
	if p.Type == wirePositionShort {
		size = -size
	}
	return risk.Position{ContractID: p.ContractID, Size: size, AveragePrice: p.AveragePrice}
}

type wireOrder struct {
	ID          string   `json:"id"`
	AccountID   string   `json:"accountId"`
	ContractID  string   `json:"contractId"`
	Status      int      `json:"status"`
	Type        int      `json:"type"`
	Side        int      `json:"side"`
	Size        int      `json:"size"`
	LimitPrice  *float64 `json:"limitPrice,omitempty"`
	StopPrice   *float64 `json:"stopPrice,omitempty"`
	FilledPrice *float64 `json:"filledPrice,omitempty"`
}

func (o wireOrder) toDomain() risk.Order {
	return risk.Order{
		OrderID:     o.ID,
		ContractID:  o.ContractID,
		Status:      risk.OrderStatus(o.Status),
		Type:        risk.OrderType(o.Type),
		Side:        risk.OrderSide(o.Side),
		Size:        o.Size,
		LimitPrice:  o.LimitPrice,
		StopPrice:   o.StopPrice,
		FilledPrice: o.FilledPrice,
	}
}

// Request and response bodies, one pair per endpoint family.

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type accountSearchResponse struct {
	apiEnvelope
	Accounts []Account `json:"accounts"`
}

type accountScopedRequest struct {
	AccountID string `json:"accountId"`
}

type positionSearchResponse struct {
	apiEnvelope
	Positions []wirePosition `json:"positions"`
}

type orderSearchRequest struct {
	AccountID      string     `json:"accountId"`
	StartTimestamp *time.Time `json:"startTimestamp,omitempty"`
}

type orderSearchResponse struct {
	apiEnvelope
	Orders []wireOrder `json:"orders"`
}

type tradeSearchRequest struct {
	AccountID      string    `json:"accountId"`
	StartTimestamp time.Time `json:"startTimestamp"`
}

type tradeSearchResponse struct {
	apiEnvelope
	Trades []Trade `json:"trades"`
}

type placeOrderRequest struct {
	AccountID  string `json:"accountId"`
	ContractID string `json:"contractId"`
	Type       int    `json:"type"`
	Side       int    `json:"side"`
	Size       int    `json:"size"`
}

type placeOrderResponse struct {
	apiEnvelope
	OrderID string `json:"orderId"`
}

type cancelOrderRequest struct {
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
}

type modifyOrderRequest struct {
	AccountID  string   `json:"accountId"`
	OrderID    string   `json:"orderId"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
}

type closePositionRequest struct {
	AccountID  string `json:"accountId"`
	ContractID string `json:"contractId"`
}

type partialClosePositionRequest struct {
	AccountID  string `json:"accountId"`
	ContractID string `json:"contractId"`
	Size       int    `json:"size"`
}

type contractAvailableRequest struct {
	Live bool `json:"live"`
}

type contractSearchRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type contractByIDRequest struct {
	ContractID string `json:"contractId"`
}

type contractSearchResponse struct {
	apiEnvelope
	Contracts []Contract `json:"contracts"`
}

type contractByIDResponse struct {
	apiEnvelope
	Contract Contract `json:"contract"`
}

type retrieveBarsRequest struct {
	ContractID        string    `json:"contractId"`
	Live              bool      `json:"live"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	Unit              int       `json:"unit"`
	UnitNumber        int       `json:"unitNumber"`
	Limit             int       `json:"limit"`
	IncludePartialBar bool      `json:"includePartialBar"`
}

type retrieveBarsResponse struct {
	apiEnvelope
	Bars []Bar `json:"bars"`
}
