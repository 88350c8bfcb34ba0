package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"exec_agent/internal/config"
	"exec_agent/internal/core"
	apperrors "exec_agent/pkg/errors"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// RESTBroker talks to a JSON order API at BROKER_BASE_URL. Transport-level
// resilience (deadlines, retries, rate limiting) belongs to the Resilient
// decorator; this type only does wire translation and error classification.
type RESTBroker struct {
	http   *resty.Client
	logger core.ILogger
}

// NewRESTBroker creates the REST adapter with credential headers attached to
// every request.
func NewRESTBroker(cfg config.BrokerConfig, logger core.ILogger) *RESTBroker {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", string(cfg.APIKey)).
		SetHeader("X-API-Secret", string(cfg.APISecret))

	return &RESTBroker{
		http:   client,
		logger: logger.WithField("component", "rest_broker"),
	}
}

func (b *RESTBroker) Name() string { return "rest" }

// Wire DTOs. Quantities and prices travel as strings to avoid float drift.

type placeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	OrderType     string `json:"order_type"`
	TimeInForce   string `json:"time_in_force"`
	AssetClass    string `json:"asset_class"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

type wireFill struct {
	Qty       string    `json:"qty"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type orderResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	FilledQty    string     `json:"filled_qty"`
	FilledAvgPx  string     `json:"filled_avg_price"`
	Fills        []wireFill `json:"fills,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RejectCode   string     `json:"reject_code,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
}

type quoteResponse struct {
	Symbol string    `json:"symbol"`
	Bid    string    `json:"bid"`
	Ask    string    `json:"ask"`
	Ts     time.Time `json:"ts"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *RESTBroker) Place(ctx context.Context, intent *core.OrderIntent) (*core.PlaceAck, error) {
	req := placeRequest{
		ClientOrderID: intent.IntentID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Qty:           intent.Qty.String(),
		OrderType:     string(intent.OrderType),
		TimeInForce:   string(intent.TimeInForce),
		AssetClass:    string(intent.AssetClass),
	}
	if intent.OrderType.IsLimitLike() {
		req.LimitPrice = intent.LimitPrice.String()
	}

	var result orderResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v1/orders")
	if err := b.classify(resp, err, "place"); err != nil {
		return nil, err
	}

	return &core.PlaceAck{
		BrokerOrderID: result.ID,
		StatusRaw:     result.Status,
		Status:        NormalizeStatus(result.Status),
	}, nil
}

func (b *RESTBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	resp, err := b.http.R().
		SetContext(ctx).
		Delete("/v1/orders/" + brokerOrderID)
	return b.classify(resp, err, "cancel")
}

func (b *RESTBroker) GetOrder(ctx context.Context, brokerOrderID string) (*core.OrderSnapshot, error) {
	var result orderResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/orders/" + brokerOrderID)
	if err := b.classify(resp, err, "get_order"); err != nil {
		return nil, err
	}

	filled, err := parseDecimal(result.FilledQty)
	if err != nil {
		return nil, apperrors.NewBrokerUnavailable(fmt.Sprintf("malformed filled_qty %q", result.FilledQty))
	}
	avgPx, err := parseDecimal(result.FilledAvgPx)
	if err != nil {
		return nil, apperrors.NewBrokerUnavailable(fmt.Sprintf("malformed filled_avg_price %q", result.FilledAvgPx))
	}

	snapshot := &core.OrderSnapshot{
		BrokerOrderID: result.ID,
		StatusRaw:     result.Status,
		Status:        NormalizeStatus(result.Status),
		FilledQty:     filled,
		AvgFillPrice:  avgPx,
		UpdatedAt:     result.UpdatedAt,
	}
	for _, f := range result.Fills {
		qty, qErr := parseDecimal(f.Qty)
		px, pErr := parseDecimal(f.Price)
		if qErr != nil || pErr != nil {
			continue
		}
		snapshot.Fills = append(snapshot.Fills, core.BrokerFill{Qty: qty, Price: px, Timestamp: f.Timestamp})
	}
	return snapshot, nil
}

func (b *RESTBroker) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	var result quoteResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/v1/quotes")
	if err := b.classify(resp, err, "get_quote"); err != nil {
		return nil, err
	}

	bid, bErr := parseDecimal(result.Bid)
	ask, aErr := parseDecimal(result.Ask)
	if bErr != nil || aErr != nil {
		return nil, apperrors.NewBrokerUnavailable(fmt.Sprintf("malformed quote for %s", symbol))
	}

	return &core.Quote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Mid:    bid.Add(ask).Div(decimal.NewFromInt(2)),
		Ts:     result.Ts,
	}, nil
}

func (b *RESTBroker) CheckHealth(ctx context.Context) error {
	resp, err := b.http.R().SetContext(ctx).Get("/v1/clock")
	return b.classify(resp, err, "health")
}

// classify maps transport and HTTP outcomes onto the error taxonomy:
// network / 5xx / 429 are retryable, 404 is NotFound, other 4xx are terminal
// rejections carrying the vendor code.
func (b *RESTBroker) classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return apperrors.NewBrokerUnavailable(fmt.Sprintf("%s: %v", op, err))
	}
	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusNotFound:
		return apperrors.ErrNotFound
	case code >= 500 || code == http.StatusTooManyRequests:
		return apperrors.NewBrokerUnavailable(fmt.Sprintf("%s: status %d", op, code))
	default:
		var body errorResponse
		if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr != nil || body.Message == "" {
			body.Message = resp.String()
		}
		if body.Code == "" {
			body.Code = fmt.Sprintf("http_%d", code)
		}
		b.logger.Warn("Broker rejected request", "op", op, "code", body.Code, "message", body.Message)
		return apperrors.NewBrokerRejected(body.Code, body.Message)
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
