package controller

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/factory"
	"github.com/vibast-solutions/ms-go-order-payments/app/mapper"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/service"
	"github.com/vibast-solutions/ms-go-order-payments/app/types"
)

const maxWebhookBodyBytes = 1 << 20

type PaymentController struct {
	paymentService    *service.PaymentService
	returnRedirectURL string
	logger            logrus.FieldLogger
}

func NewPaymentController(paymentService *service.PaymentService, returnRedirectURL string) *PaymentController {
	return &PaymentController{
		paymentService:    paymentService,
		returnRedirectURL: strings.TrimSpace(returnRedirectURL),
		logger:            factory.NewModuleLogger("order-payments-controller"),
	}
}

func (c *PaymentController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *PaymentController) CreatePayment(ctx echo.Context) error {
	req, err := types.NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	started, err := c.paymentService.CreatePayment(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProviderUnsupported):
			return c.writeError(ctx, http.StatusNotFound, "provider not found")
		case errors.Is(err, service.ErrOrderNotFound):
			return c.writeError(ctx, http.StatusNotFound, "order not found")
		case errors.Is(err, service.ErrOrderAlreadyPaid):
			return c.writeError(ctx, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, provider.ErrInvalidOrderAmount):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, provider.ErrGatewayRejected), errors.Is(err, provider.ErrGatewayUnreachable):
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Gateway refused payment creation")
			return c.writeError(ctx, http.StatusBadGateway, err.Error())
		case errors.Is(err, provider.ErrGatewayNotConfigured):
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Payment provider is not configured")
			return c.writeError(ctx, http.StatusServiceUnavailable, "provider is not configured")
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Create payment failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusCreated, &types.CreatePaymentResponse{
		OrderId:     started.Order.ID,
		Provider:    started.Gateway,
		RedirectUrl: started.RedirectURL,
		Transaction: mapper.TransactionToDTO(started.Transaction),
	})
}

func (c *PaymentController) GetOrderPayment(ctx echo.Context) error {
	req, err := types.NewGetOrderPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	view, err := c.paymentService.GetOrderPayment(ctx.Request().Context(), req.GetOrderId())
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "order not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get order payment failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.OrderPaymentResponse{
		OrderPayment: mapper.OrderPaymentToDTO(view.Order, view.Transactions),
	})
}

// HandleReturn renders the browser redirect. With a return redirect URL
// configured the shopper is sent on to the storefront with the outcome in the
// query string.
func (c *PaymentController) HandleReturn(ctx echo.Context) error {
	key := provider.NormalizeKey(ctx.Param("provider"))
	if !provider.IsKnownKey(key) {
		return c.writeError(ctx, http.StatusNotFound, "provider not found")
	}

	res, err := c.paymentService.HandleReturn(ctx.Request().Context(), key, ctx.QueryParams())
	if err != nil {
		if errors.Is(err, service.ErrProviderUnsupported) {
			return c.writeError(ctx, http.StatusNotFound, "provider not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Handle payment return failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	decision := ""
	if res.Result != nil {
		decision = string(res.Result.Decision)
	}
	dto := mapper.PaymentReturnToDTO(res.Outcome, res.Order, decision)

	if c.returnRedirectURL == "" {
		return ctx.JSON(http.StatusOK, dto)
	}
	target, err := returnRedirectTarget(c.returnRedirectURL, dto)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Invalid return redirect url")
		return ctx.JSON(http.StatusOK, dto)
	}
	return ctx.Redirect(http.StatusFound, target)
}

func (c *PaymentController) HandleWebhook(ctx echo.Context) error {
	key := provider.NormalizeKey(ctx.Param("provider"))
	if !provider.IsKnownKey(key) {
		return c.writeError(ctx, http.StatusNotFound, "provider not found")
	}

	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBodyBytes))
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	result, err := c.paymentService.HandleWebhook(ctx.Request().Context(), key, &provider.WebhookRequest{
		Body:   body,
		Query:  ctx.QueryParams(),
		Header: ctx.Request().Header,
	})
	if err != nil {
		if errors.Is(err, service.ErrProviderUnsupported) {
			return c.writeError(ctx, http.StatusNotFound, "provider not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("gateway", key).Error("Handle webhook failed")
		return writeAckFailure(ctx, key)
	}

	return writeAck(ctx, key, result)
}

func (c *PaymentController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}

func returnRedirectTarget(base string, dto *types.PaymentReturn) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("provider", dto.Provider)
	query.Set("status", dto.Status)
	if dto.OrderId > 0 {
		query.Set("order_id", strconv.FormatUint(dto.OrderId, 10))
	}
	if dto.PaymentStatus != "" {
		query.Set("payment_status", dto.PaymentStatus)
	}
	if dto.Message != "" {
		query.Set("message", dto.Message)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
