package horizonstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/transfa/payment-observer/internal/domain"
)

// HorizonSource streams the payments endpoint of one account from a Horizon server.
type HorizonSource struct {
	client  *horizonclient.Client
	account string
	logger  *slog.Logger
}

// NewHorizonClient builds a Horizon client. Streaming connections stay open, so the
// HTTP client carries no overall timeout.
func NewHorizonClient(horizonURL string) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: strings.TrimSuffix(strings.TrimSpace(horizonURL), "/") + "/",
		HTTP: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func NewHorizonSource(client *horizonclient.Client, account string, logger *slog.Logger) *HorizonSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HorizonSource{client: client, account: account, logger: logger}
}

func (s *HorizonSource) Subscribe(ctx context.Context, cursor domain.Cursor, fn func(domain.PaymentEvent)) error {
	request := horizonclient.OperationRequest{
		ForAccount: s.account,
		Cursor:     string(cursor),
		Order:      horizonclient.OrderAsc,
		Join:       "transactions",
	}
	return s.client.StreamPayments(ctx, request, func(op operations.Operation) {
		event, err := ConvertOperation(op)
		if err != nil {
			s.logger.Warn("payment record could not be decoded", "account", s.account, "paging_token", op.PagingToken(), "error", err)
		}
		fn(event)
	})
}

// ConvertOperation maps a Horizon payments-endpoint record to a PaymentEvent. Records that
// are not payments, or that cannot be decoded, come back typed OperationOther so their
// cursor is still processed.
func ConvertOperation(op operations.Operation) (domain.PaymentEvent, error) {
	switch p := op.(type) {
	case operations.Payment:
		return convertPayment(p.Base, p, domain.OperationPayment, "", base.Asset{})
	case *operations.Payment:
		return convertPayment(p.Base, *p, domain.OperationPayment, "", base.Asset{})
	case operations.PathPayment:
		return convertPayment(p.Base, p.Payment, domain.OperationPathPaymentStrictReceive, p.SourceAmount, sourceAsset(p.SourceAssetType, p.SourceAssetCode, p.SourceAssetIssuer))
	case *operations.PathPayment:
		return convertPayment(p.Base, p.Payment, domain.OperationPathPaymentStrictReceive, p.SourceAmount, sourceAsset(p.SourceAssetType, p.SourceAssetCode, p.SourceAssetIssuer))
	case operations.PathPaymentStrictSend:
		return convertPayment(p.Base, p.Payment, domain.OperationPathPaymentStrictSend, p.SourceAmount, sourceAsset(p.SourceAssetType, p.SourceAssetCode, p.SourceAssetIssuer))
	case *operations.PathPaymentStrictSend:
		return convertPayment(p.Base, p.Payment, domain.OperationPathPaymentStrictSend, p.SourceAmount, sourceAsset(p.SourceAssetType, p.SourceAssetCode, p.SourceAssetIssuer))
	default:
		return domain.PaymentEvent{
			ID:     op.GetID(),
			Cursor: domain.Cursor(op.PagingToken()),
			Type:   domain.OperationOther,
		}, nil
	}
}

func sourceAsset(assetType, code, issuer string) base.Asset {
	return base.Asset{Type: assetType, Code: code, Issuer: issuer}
}

func convertPayment(b operations.Base, p operations.Payment, kind domain.OperationType, sourceAmount string, source base.Asset) (domain.PaymentEvent, error) {
	event := domain.PaymentEvent{
		ID:              b.ID,
		Cursor:          domain.Cursor(b.PagingToken()),
		Type:            kind,
		From:            p.From,
		To:              p.To,
		Asset:           convertAsset(p.Asset),
		Successful:      b.TransactionSuccessful,
		TransactionHash: b.TransactionHash,
		LedgerCloseTime: b.LedgerCloseTime,
		Memo:            convertMemo(b.Transaction),
	}

	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		event.Type = domain.OperationOther
		return event, err
	}
	event.Amount = amount

	if sourceAmount != "" {
		sa, err := decimal.NewFromString(sourceAmount)
		if err != nil {
			event.Type = domain.OperationOther
			return event, err
		}
		asset := convertAsset(source)
		event.SourceAmount = &sa
		event.SourceAsset = &asset
	}
	return event, nil
}

func convertAsset(a base.Asset) domain.Asset {
	if a.Type == "native" || a.Type == "" {
		return domain.Asset{Code: domain.NativeAssetCode}
	}
	return domain.Asset{Code: a.Code, Issuer: a.Issuer}
}

func convertMemo(tx *horizon.Transaction) domain.Memo {
	if tx == nil || tx.MemoType == "" || tx.MemoType == "none" {
		return domain.Memo{Type: domain.MemoTypeNone}
	}
	return domain.Memo{Type: domain.MemoType(tx.MemoType), Value: tx.Memo}
}
