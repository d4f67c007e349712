package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/service"
	"github.com/vibast-solutions/ms-go-order-payments/app/types"
)

// VNPay IPN response codes.
const (
	vnpayRspConfirmed        = "00"
	vnpayRspOrderNotFound    = "01"
	vnpayRspAlreadyConfirmed = "02"
	vnpayRspInvalidSignature = "97"
	vnpayRspUnknown          = "99"
)

type vnpayAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

type receivedAck struct {
	Received bool `json:"received"`
}

// webhookStatus is 400 for deliveries the provider should treat as
// undelivered and 200 for every recognized event.
func webhookStatus(result *service.Result) int {
	if result.Decision != service.DecisionRejected {
		return http.StatusOK
	}
	if errors.Is(result.Err, service.ErrSignatureInvalid) || errors.Is(result.Err, service.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func writeAck(ctx echo.Context, key string, result *service.Result) error {
	status := webhookStatus(result)

	switch key {
	case provider.KeyVNPay:
		return ctx.JSON(status, vnpayAckFor(result))
	case provider.KeyMoMo:
		if status == http.StatusOK {
			return ctx.NoContent(http.StatusNoContent)
		}
	default:
		if status == http.StatusOK {
			return ctx.JSON(http.StatusOK, &receivedAck{Received: true})
		}
	}

	message := "rejected"
	if result.Err != nil {
		message = result.Err.Error()
	}
	return ctx.JSON(status, &types.ErrorResponse{Error: message})
}

func writeAckFailure(ctx echo.Context, key string) error {
	if key == provider.KeyVNPay {
		return ctx.JSON(http.StatusInternalServerError, &vnpayAck{RspCode: vnpayRspUnknown, Message: "Unknown error"})
	}
	return ctx.JSON(http.StatusInternalServerError, &types.ErrorResponse{Error: "internal server error"})
}

func vnpayAckFor(result *service.Result) *vnpayAck {
	switch result.Decision {
	case service.DecisionApplied, service.DecisionRecorded:
		return &vnpayAck{RspCode: vnpayRspConfirmed, Message: "Confirm Success"}
	case service.DecisionDuplicate:
		return &vnpayAck{RspCode: vnpayRspAlreadyConfirmed, Message: "Order already confirmed"}
	}

	switch {
	case errors.Is(result.Err, service.ErrSignatureInvalid):
		return &vnpayAck{RspCode: vnpayRspInvalidSignature, Message: provider.MessageInvalidSignature}
	case errors.Is(result.Err, service.ErrOrderNotFound), errors.Is(result.Err, service.ErrOrderReferenceMissing):
		return &vnpayAck{RspCode: vnpayRspOrderNotFound, Message: "Order not found"}
	case errors.Is(result.Err, service.ErrInsufficientInventory):
		return &vnpayAck{RspCode: vnpayRspConfirmed, Message: "Confirm received"}
	default:
		return &vnpayAck{RspCode: vnpayRspUnknown, Message: "Unknown error"}
	}
}
